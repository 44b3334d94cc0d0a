package round_test

import (
	"context"
	"net"
	"testing"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/round"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func TestHTTPClientSendsBearerAndDecodes(t *testing.T) {
	app := fiber.New()
	var gotAuth string
	var gotReg round.Registration
	app.Post("/rounds/:id/checkpoints/:cid/visits", func(c *fiber.Ctx) error {
		gotAuth = c.Get("Authorization")
		if err := c.BodyParser(&gotReg); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(round.Progress{Done: 1, Total: 5, CurrentLap: 1})
	})
	client := round.NewHTTPClient(serve(t, app)+"/", "tok", 2*time.Second)

	lat, lon := -6.2, 106.8
	progress, err := client.RegisterCheckpoint(context.Background(), round.Registration{CheckpointID: 1, RoundID: 10, Latitude: &lat, Longitude: &lon})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, int64(1), gotReg.CheckpointID)
	assert.Equal(t, int64(10), gotReg.RoundID)
	require.NotNil(t, gotReg.Latitude)
	assert.Equal(t, lat, *gotReg.Latitude)
	assert.Equal(t, 1, progress.Done)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	app := fiber.New()
	app.Post("/rounds/1/start", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusConflict, "another round is in progress")
	})
	app.Post("/rounds/2/start", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusUnauthorized, "token invalid")
	})
	app.Post("/rounds/3/start", func(c *fiber.Ctx) error {
		c.Set("Retry-After", "7")
		return fiber.NewError(fiber.StatusTooManyRequests, "slow down")
	})
	app.Post("/rounds/4/start", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusInternalServerError, "db down")
	})
	client := round.NewHTTPClient(serve(t, app), "tok", 2*time.Second)
	ctx := context.Background()

	_, err := client.StartRound(ctx, 1)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.Contains(t, err.Error(), "another round")

	_, err = client.StartRound(ctx, 2)
	assert.True(t, apperror.IsKind(err, apperror.KindPermissionDenied))

	_, err = client.StartRound(ctx, 3)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindRateLimited, appErr.Kind)
	assert.Equal(t, 7*time.Second, appErr.RetryAfter)

	_, err = client.StartRound(ctx, 4)
	assert.True(t, apperror.IsKind(err, apperror.KindServerRejected))

	_, err = client.StartRound(ctx, 5)
	assert.ErrorIs(t, err, round.ErrNotFound)
}

func TestHTTPClientActiveRoundNotFoundIsEmpty(t *testing.T) {
	app := fiber.New()
	app.Get("/rounds/active", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "no active round")
	})
	client := round.NewHTTPClient(serve(t, app), "tok", 2*time.Second)

	snap, err := client.ActiveRound(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Round)
}

func TestHTTPClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := round.NewHTTPClient("http://"+addr, "tok", time.Second)
	_, err = client.ListRounds(context.Background())
	assert.True(t, apperror.IsKind(err, apperror.KindNetworkUnreachable))
}

func TestProgressHelpers(t *testing.T) {
	assert.False(t, round.Progress{}.LapComplete())
	assert.Equal(t, 0, round.Progress{}.Percent())
	p := round.Progress{Done: 2, Total: 5}
	assert.Equal(t, 40, p.Percent())
	assert.False(t, p.LapComplete())
	assert.True(t, round.Progress{Done: 5, Total: 5}.LapComplete())
}
