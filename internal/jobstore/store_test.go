/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jobstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string) Job {
	return Job{
		ID:            id,
		Action:        "heater-on",
		Endpoint:      "/api/equipment/heater/on",
		APIBaseURL:    "http://127.0.0.1:8080",
		ScheduledTime: "2030-01-15T06:30:00Z",
		Recurring:     strings.HasPrefix(id, RecurringPrefix),
		CreatedAt:     time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	job := testJob("job-1a2b3c4d")
	job.Params = map[string]any{"target_temp_f": 103.5}
	job.HealthcheckUUID = "f2c0de1e-0000-0000-0000-000000000001"
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Action, got.Action)
	assert.Equal(t, 103.5, got.Params["target_temp_f"])
	assert.Equal(t, job.HealthcheckUUID, got.HealthcheckUUID)
}

func TestLoad_NotFound(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "job-deadbeef")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLoad_RejectsTraversal(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDelete(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testJob("job-1a2b3c4d")))
	require.NoError(t, store.Delete(ctx, "job-1a2b3c4d"))

	_, err = store.Load(ctx, "job-1a2b3c4d")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "job-1a2b3c4d"), ErrJobNotFound)
}

func TestList_SortedByCreation(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	older := testJob("rec-aa000001")
	older.CreatedAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := testJob("job-bb000002")
	newer.CreatedAt = time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, newer))
	require.NoError(t, store.Save(ctx, older))

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "rec-aa000001", jobs[0].ID)
	assert.Equal(t, "job-bb000002", jobs[1].ID)
}

func TestOpen_RemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-1a2b3c4d.99.tmp"), []byte(`{"jobId"`), 0o644))

	_, err := Open(dir)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestSave_TornWriteNeverCorrupts(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	job := testJob("job-1a2b3c4d")
	require.NoError(t, store.Save(ctx, job))

	// Simulate an interrupted rewrite: a half-written temp file alongside
	// the valid record must not affect reads.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "job-1a2b3c4d.77.tmp"), []byte(`{"jobId":"job-`), 0o644))

	got, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "heater-on", got.Action)
}

func TestRecordFormat_WireKeys(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	job := testJob("rec-1a2b3c4d")
	job.HealthcheckUUID = "u-1"
	job.HealthcheckPingURL = "https://hc.example.com/ping/u-1"
	require.NoError(t, store.Save(ctx, job))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), "rec-1a2b3c4d.json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"jobId", "action", "endpoint", "apiBaseUrl", "scheduledTime", "recurring", "createdAt", "healthcheckUuid", "healthcheckPingUrl"} {
		assert.Contains(t, doc, key)
	}
	// Pretty-printed on disk: the dispatcher must cope with multi-line JSON.
	assert.Greater(t, strings.Count(string(raw), "\n"), 5)
}

func TestNewJobID(t *testing.T) {
	oneOff := NewJobID(false)
	rec := NewJobID(true)

	assert.True(t, strings.HasPrefix(oneOff, OneOffPrefix))
	assert.True(t, strings.HasPrefix(rec, RecurringPrefix))
	assert.True(t, ValidID(oneOff))
	assert.True(t, ValidID(rec))
	assert.NotEqual(t, NewJobID(false), NewJobID(false))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("job-1a2b3c4d"))
	assert.True(t, ValidID("rec-00ff00ff"))
	assert.True(t, ValidID("log-rotation"))
	assert.False(t, ValidID("job-"))
	assert.False(t, ValidID("job-XYZ"))
	assert.False(t, ValidID("../../etc/passwd"))
	assert.False(t, ValidID("heater-on"))
}
