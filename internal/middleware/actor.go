package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mini-escrow/backend/internal/auth"
	"github.com/mini-escrow/backend/internal/config"
	"github.com/mini-escrow/backend/internal/rbac"
	"github.com/mini-escrow/backend/internal/services"
	"go.uber.org/zap"
)

const (
	CtxActorID   = "actor_id"
	CtxActorRole = "actor_role"

	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// ActorMiddleware resolves the calling actor into an (id, role) pair, either
// from a Bearer JWT or from the X-User-Id / X-User-Role headers. The escrow
// engine itself never sees credentials, only the resolved pair.
func ActorMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if authHeader := c.Get("Authorization"); authHeader != "" {
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenStr == authHeader {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
			}
			claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
			if err != nil {
				log.Debug("jwt parse error", zap.Error(err))
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
			}
			if !rbac.IsValidRole(claims.Role) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid role in token"})
			}
			c.Locals(CtxActorID, claims.ActorID)
			c.Locals(CtxActorRole, claims.Role)
			return c.Next()
		}

		actorID := c.Get(HeaderUserID)
		role := strings.ToLower(c.Get(HeaderUserRole))
		if actorID == "" || role == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-User-Id or X-User-Role header"})
		}
		if !rbac.IsValidRole(role) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid X-User-Role, must be 'buyer' or 'seller'"})
		}

		c.Locals(CtxActorID, actorID)
		c.Locals(CtxActorRole, role)
		return c.Next()
	}
}

func GetActor(c *fiber.Ctx) services.Actor {
	id, _ := c.Locals(CtxActorID).(string)
	role, _ := c.Locals(CtxActorRole).(string)
	return services.Actor{ID: id, Role: role}
}
