package controllers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Credentials is the single API account.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string // bcrypt; preferred over Password when set
}

// AuthController issues and verifies access tokens
type AuthController struct {
	creds  Credentials
	issuer *middleware.TokenIssuer
	guard  *middleware.LoginGuard
}

// NewAuthController creates a new auth controller
func NewAuthController(creds Credentials, issuer *middleware.TokenIssuer, guard *middleware.LoginGuard) *AuthController {
	if guard == nil {
		guard = middleware.NewLoginGuard(5, 15*time.Minute, 30*time.Minute)
	}
	return &AuthController{creds: creds, issuer: issuer, guard: guard}
}

type tokenRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

func (ac *AuthController) checkPassword(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(ac.creds.Username)) == 1
	var passOK bool
	if ac.creds.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(ac.creds.PasswordHash), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(ac.creds.Password)) == 1
	}
	return userOK && passOK
}

// Token exchanges a username and password for a bearer token.
// Accepts form (OAuth2 password flow) or JSON bodies.
// POST /api/v1/auth/token
func (ac *AuthController) Token(c *gin.Context) {
	ip := c.ClientIP()
	if ok, remaining := ac.guard.Check(ip); !ok {
		c.Header("Retry-After", fmt.Sprintf("%d", int(remaining.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "too_many_attempts",
			"message": fmt.Sprintf("Too many failed login attempts. Please try again in %d minute(s).", int(remaining.Minutes())+1),
		})
		return
	}

	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "username and password are required",
		})
		return
	}

	if !ac.checkPassword(req.Username, req.Password) {
		ac.guard.RecordAttempt(ip, false)
		logger.L().Warn("login failed", zap.String("username", req.Username), zap.String("ip", ip))
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Incorrect username or password",
		})
		return
	}
	ac.guard.RecordAttempt(ip, true)

	token, _, err := ac.issuer.Issue(req.Username)
	if err != nil {
		logger.L().Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(ac.issuer.TTL().Seconds()),
	})
}

// Verify reports the user behind a valid token.
// GET /api/v1/auth/verify
func (ac *AuthController) Verify(c *gin.Context) {
	username, err := middleware.GetUsernameFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":    true,
		"username": username,
	})
}
