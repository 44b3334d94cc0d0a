package patrol

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fieldops-patrol/internal/auth"
	"fieldops-patrol/internal/round"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

func newApp(mock pgxmock.PgxPoolIface) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/rounds"), NewService(mock), func(c *fiber.Ctx) error {
		c.Locals(auth.LocalGuardID, "guard-1")
		return c.Next()
	})
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestHandlersActiveNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`status='IN_PROGRESS'`).WithArgs("guard-1").WillReturnError(pgx.ErrNoRows)

	resp := do(t, newApp(mock), http.MethodGet, "/rounds/active", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandlersStartConflict(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM rounds WHERE id=\$1`).
		WithArgs(int64(11), "guard-1").
		WillReturnRows(roundRow(11, round.StatusActive, 1, 0))
	mock.ExpectQuery(`status='IN_PROGRESS'`).
		WithArgs("guard-1").
		WillReturnRows(roundRow(10, round.StatusInProgress, 1, 0))

	resp := do(t, newApp(mock), http.MethodPost, "/rounds/11/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestHandlersBadRoundID(t *testing.T) {
	resp := do(t, newApp(newMock(t)), http.MethodPost, "/rounds/abc/start", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandlersRegisterVisitUsesPathIDs(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM rounds WHERE id=\$1`).
		WithArgs(int64(10), "guard-1").
		WillReturnRows(roundRow(10, round.StatusInProgress, 1, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(2), int64(10)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO checkpoint_visits`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectProgress(mock, 10, 1, 3, 1)

	resp := do(t, newApp(mock), http.MethodPost, "/rounds/10/checkpoints/2/visits", map[string]any{"checkpoint_id": 99, "round_id": 99})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var p round.Progress
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Done != 1 || p.Total != 3 {
		t.Fatalf("unexpected progress %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandlersLapIncomplete(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM rounds WHERE id=\$1`).
		WithArgs(int64(10), "guard-1").
		WillReturnRows(roundRow(10, round.StatusInProgress, 1, 0))
	expectProgress(mock, 10, 1, 3, 2)

	resp := do(t, newApp(mock), http.MethodPost, "/rounds/10/laps", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestHandlersEndWithNotes(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SET status='COMPLETED'`).
		WithArgs(int64(10), "guard-1", "quiet night").
		WillReturnRows(roundRow(10, round.StatusCompleted, 1, 0))

	resp := do(t, newApp(mock), http.MethodPost, "/rounds/10/end", round.EndRequest{Notes: "quiet night"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandlersCreateRoundValidation(t *testing.T) {
	resp := do(t, newApp(newMock(t)), http.MethodPost, "/rounds/", CreateRoundRequest{Name: "Empty"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
