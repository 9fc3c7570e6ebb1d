package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/types"
)

type memoryObjects struct {
	objects     map[string][]byte
	contentType string
	err         error
}

func (m *memoryObjects) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	m.contentType = contentType
	return nil
}

func (m *memoryObjects) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func TestParseExportRange(t *testing.T) {
	from, to, err := ParseExportRange("2026-03-01", "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), to)
	assert.Equal(t, "sessions/2026-03-01_2026-03-03.jsonl", ExportKey(from, to))

	_, _, err = ParseExportRange("03/01/2026", "2026-03-03")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, _, err = ParseExportRange("2026-03-03", "2026-03-03")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestAuditExporter_Export(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", "a@x.com", true)

	res := login(t, h, "alice")
	h.clock.Advance(time.Minute)
	_, err := h.sessions.Logout(ctx, res.AccessToken)
	require.NoError(t, err)
	login(t, h, "alice")
	login(t, h, "alice")

	objects := &memoryObjects{}
	exporter := NewAuditExporter(h.store, objects, discardLogger())

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	out, err := exporter.Export(ctx, day, day.Add(24*time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, "sessions/2026-03-02_2026-03-03.jsonl", out.Key)
	assert.Equal(t, 2, out.Records)
	assert.Equal(t, "application/x-ndjson", objects.contentType)

	var reasons []types.CloseReason
	scanner := bufio.NewScanner(bytes.NewReader(objects.objects[out.Key]))
	for scanner.Scan() {
		var rec types.SessionRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		require.NotNil(t, rec.ClosedAt)
		reasons = append(reasons, rec.CloseReason)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []types.CloseReason{types.CloseReasonLogout, types.CloseReasonEvicted}, reasons)

	_, err = exporter.Export(ctx, day, day.Add(24*time.Hour), false)
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	_, err = exporter.Export(ctx, day, day.Add(24*time.Hour), true)
	require.NoError(t, err)
}

func TestAuditExporter_UploadError(t *testing.T) {
	h := newHarness(t)
	objects := &memoryObjects{err: errors.New("bucket gone")}
	exporter := NewAuditExporter(h.store, objects, discardLogger())

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err := exporter.Export(context.Background(), day, day.Add(24*time.Hour), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}
