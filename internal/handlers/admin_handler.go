package handlers

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/dto"
	"github.com/talowa/referral-backend/internal/models"
	"github.com/talowa/referral-backend/internal/roles"
	"github.com/talowa/referral-backend/internal/services"
)

type AdminHandler struct {
	db            *gorm.DB
	ladder        *roles.Ladder
	ladderPath    string
	orphanService *services.OrphanService
}

func NewAdminHandler(db *gorm.DB, ladder *roles.Ladder, ladderPath string, orphanService *services.OrphanService) *AdminHandler {
	return &AdminHandler{
		db:            db,
		ladder:        ladder,
		ladderPath:    ladderPath,
		orphanService: orphanService,
	}
}

// SweepOrphans triggers an immediate orphan sweep.
func (h *AdminHandler) SweepOrphans(c *fiber.Ctx) error {
	assigned, err := h.orphanService.SweepOrphans()
	if err != nil {
		slog.Error("manual orphan sweep failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Orphan sweep failed",
		})
	}
	return c.JSON(fiber.Map{"assigned": assigned})
}

// GetRoleLadder returns the active threshold table.
func (h *AdminHandler) GetRoleLadder(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"roles": h.ladder.All()})
}

// ReloadRoleLadder re-reads the ladder from its config file.
func (h *AdminHandler) ReloadRoleLadder(c *fiber.Ctx) error {
	if err := h.ladder.Reload(h.ladderPath); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: err.Error(),
		})
	}
	slog.Info("role ladder reloaded", "path", h.ladderPath)
	return c.JSON(fiber.Map{"roles": h.ladder.All()})
}

// ListSystemLogs exposes recent operations-channel entries (integrity
// violations and other ERROR+ conditions) for remediation work.
func (h *AdminHandler) ListSystemLogs(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit > 200 {
		limit = 200
	}

	var logs []models.SystemLog
	if err := h.db.Order("timestamp DESC").Limit(limit).Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Failed to fetch system logs",
		})
	}
	return c.JSON(fiber.Map{"logs": logs})
}
