package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/service/staffauth"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
	"github.com/nkiryanov/carepass/internal/testutil"
)

const testSecret = "correct-horse-battery-staple-pharmacy-42"

func emptyEnv(string) string { return "" }

func tempWd(t *testing.T) func() (string, error) {
	dir := t.TempDir()
	return func() (string, error) { return dir, nil }
}

func Test_run(t *testing.T) {
	port, err := testutil.RandomPort()
	require.NoError(t, err, "failed to get random port to start server")
	listenAddr := fmt.Sprintf("localhost:%d", port)

	t.Run("stop with context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond) // Half Second
		t.Cleanup(cancel)

		err := run(ctx, emptyEnv, tempWd(t), []string{
			"--address", listenAddr,
			"--log-level", "debug",
			"--secret-key", testSecret,
		})

		require.NoError(t, err, "on correct stop should not return error")
	})

	t.Run("missing secret key", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond) // Half Second
		t.Cleanup(cancel)

		err := run(ctx, emptyEnv, tempWd(t), []string{
			"--address", listenAddr,
		})

		require.ErrorIs(t, err, apperrors.ErrSigningKeyMissing, "service must not start without a key")
	})

	t.Run("short secret key", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond) // Half Second
		t.Cleanup(cancel)

		err := run(ctx, emptyEnv, tempWd(t), []string{
			"--address", listenAddr,
			"--secret-key", "secret",
		})

		require.ErrorIs(t, err, apperrors.ErrSigningKeyTooShort)
	})

	t.Run("unsupported database", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond) // Half Second
		t.Cleanup(cancel)

		err := run(ctx, emptyEnv, tempWd(t), []string{
			"--address", listenAddr,
			"--secret-key", testSecret,
			"--database", "sqlite://tokens.db",
		})

		require.Error(t, err)
	})

	t.Run("listen error", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		t.Cleanup(cancel)

		err := run(ctx, emptyEnv, tempWd(t), []string{
			"--address", "not-an-address",
			"--secret-key", testSecret,
		})

		require.Error(t, err, "listen failure must stop the service with error")
	})
}

// Issue and redeem a token through a running service
func Test_run_TokenRoundTrip(t *testing.T) {
	port, err := testutil.RandomPort()
	require.NoError(t, err)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() {
		stopped <- run(ctx, emptyEnv, tempWd(t), []string{
			"--address", fmt.Sprintf("localhost:%d", port),
			"--secret-key", testSecret,
			"--log-level", "error",
		})
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-stopped)
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/metrics")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "service should start listening")

	key, err := tokencodec.NewSigningKey(testSecret)
	require.NoError(t, err)
	staff, err := staffauth.New(staffauth.Config{Key: key.Staff()})
	require.NoError(t, err)
	access, _, err := staff.Mint("pharmacist-3", time.Minute)
	require.NoError(t, err)

	post := func(path string, body string) (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, baseURL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+access)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		var res map[string]any
		require.NoErrorf(t, json.Unmarshal(raw, &res), "not json: %s", raw)
		return resp.StatusCode, res
	}

	status, issued := post("/api/tokens", `{"entity_type": "Appointment", "entity_id": "apt-9", "ttl_minutes": 10}`)
	require.Equal(t, http.StatusCreated, status)
	token := issued["token"].(string)

	status, verdict := post("/api/tokens/validate", `{"token": "`+token+`", "consume": true}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "valid", verdict["verdict"])
	require.Equal(t, "apt-9", verdict["entity_id"])

	status, verdict = post("/api/tokens/validate", `{"token": "`+token+`", "consume": true}`)
	require.Equal(t, http.StatusGone, status)
	require.Equal(t, "already_used", verdict["verdict"])
}

func Test_run_Postgres(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	port, err := testutil.RandomPort()
	require.NoError(t, err, "failed to get random port to start server")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond) // Half Second
	t.Cleanup(cancel)

	err = run(ctx, emptyEnv, tempWd(t), []string{
		"--address", fmt.Sprintf("localhost:%d", port),
		"--database", pg.DSN,
		"--secret-key", testSecret,
	})

	require.NoError(t, err, "on correct stop should not return error")
}
