package patrol

import (
	"errors"
	"strconv"

	"fieldops-patrol/internal/auth"
	"fieldops-patrol/internal/round"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Use(authMiddleware)

	r.Get("/", func(c *fiber.Ctx) error {
		rounds, err := svc.ListRounds(c.Context(), auth.GuardID(c))
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(rounds)
	})

	r.Post("/", func(c *fiber.Ctx) error {
		var req CreateRoundRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		guardID := req.GuardID
		if guardID == "" {
			guardID = auth.GuardID(c)
		}
		snap, err := svc.CreateRound(c.Context(), guardID, req)
		if err != nil {
			return toFiberError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(snap)
	})

	r.Get("/active", func(c *fiber.Ctx) error {
		snap, err := svc.Active(c.Context(), auth.GuardID(c))
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/:id/start", func(c *fiber.Ctx) error {
		id, err := roundID(c)
		if err != nil {
			return err
		}
		snap, err := svc.Start(c.Context(), auth.GuardID(c), id)
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/:id/resume", func(c *fiber.Ctx) error {
		id, err := roundID(c)
		if err != nil {
			return err
		}
		snap, err := svc.Resume(c.Context(), auth.GuardID(c), id)
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/:id/end", func(c *fiber.Ctx) error {
		id, err := roundID(c)
		if err != nil {
			return err
		}
		var req round.EndRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		ended, err := svc.End(c.Context(), auth.GuardID(c), id, req.Notes)
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(ended)
	})

	r.Post("/:id/laps", func(c *fiber.Ctx) error {
		id, err := roundID(c)
		if err != nil {
			return err
		}
		progress, err := svc.ContinueLap(c.Context(), auth.GuardID(c), id)
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(progress)
	})

	r.Post("/:id/checkpoints/:cid/visits", func(c *fiber.Ctx) error {
		id, err := roundID(c)
		if err != nil {
			return err
		}
		cid, err := strconv.ParseInt(c.Params("cid"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid checkpoint id")
		}
		var reg round.Registration
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&reg); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		reg.RoundID, reg.CheckpointID = id, cid
		progress, err := svc.RegisterVisit(c.Context(), auth.GuardID(c), reg)
		if err != nil {
			return toFiberError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(progress)
	})
}

func roundID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid round id")
	}
	return id, nil
}

func toFiberError(err error) error {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoActiveRound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrRoundInProgress), errors.Is(err, ErrNotInProgress), errors.Is(err, ErrLapIncomplete):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
