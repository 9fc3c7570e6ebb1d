/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	_ "time/tzdata"

	"github.com/tradedesk/authserver/cmd"
)

func main() {
	cmd.Execute()
}
