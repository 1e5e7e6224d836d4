package middleware

import (
	"github.com/cursolab/CursoLab/app/models"
	"github.com/cursolab/CursoLab/internal/pkg/database"
	"github.com/cursolab/CursoLab/internal/pkg/session"
	"github.com/cursolab/CursoLab/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// UserContextMiddleware sets up the complete user context for every request.
// The session cookie is written by the identity provider's login flow; this
// middleware only reads it and resolves the user row.
func UserContextMiddleware(c *fiber.Ctx) error {
	anonymous := usercontext.UserContext{IsLoggedIn: false, IsAdmin: false}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		c.Locals("USER_CONTEXT", anonymous)
		c.Locals(usercontext.KeyFromProtected, false)
		return c.Next()
	}

	userID := sess.Get(usercontext.KeyUserID)
	if userID == nil {
		c.Locals("USER_CONTEXT", anonymous)
		c.Locals(usercontext.KeyFromProtected, false)
		return c.Next()
	}

	uid, ok := userID.(uint)
	if !ok {
		c.Locals("USER_CONTEXT", anonymous)
		c.Locals(usercontext.KeyFromProtected, false)
		return c.Next()
	}

	username := session.GetSessionValue(c, usercontext.KeyUsername)
	isAdmin := false
	email := ""
	if db := database.GetDB(); db != nil {
		var user models.User
		if err := db.First(&user, uid).Error; err == nil {
			isAdmin = user.IsAdmin()
			email = user.Email
			if username == "" {
				username = user.Name
			}
		}
	}

	c.Locals("USER_CONTEXT", usercontext.UserContext{
		UserID:     uid,
		Username:   username,
		Email:      email,
		IsLoggedIn: true,
		IsAdmin:    isAdmin,
	})
	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyIsAdmin, isAdmin)

	return c.Next()
}
