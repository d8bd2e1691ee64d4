package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// Claims mirrors the tokens issued by auth-service.
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

var errNotAccessToken = errors.New("access token required")

type AuthOptions struct {
	// HS256 密钥；设置后在本地校验 token
	JWTSecret string
	// auth-service 根地址，例如 http://localhost:3001；未设置密钥时调用其 /v1/auth/verify
	VerifyBaseURL string
	Timeout       time.Duration
}

// Enabled reports whether any verification is configured. Without it the
// collab routes run anonymously and trust the userId in each frame.
func (o AuthOptions) Enabled() bool { return o.JWTSecret != "" || o.VerifyBaseURL != "" }

// AuthMiddleware puts "userId" (string) and "username" into the gin context.
func AuthMiddleware(opts AuthOptions) gin.HandlerFunc {
	if !opts.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1200 * time.Millisecond
	}
	client := &http.Client{}
	// 统一拼接 verify URL（避免 double slash）
	verifyURL := strings.TrimRight(opts.VerifyBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		if opts.JWTSecret != "" {
			claims, err := parseLocal(tokenString, []byte(opts.JWTSecret))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": err.Error(),
				})
				return
			}
			setIdentity(c, claims.UserID, claims.Username)
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.Timeout)
		defer cancel()
		status, claims, msg := verifyRemote(ctx, client, verifyURL, tokenString)
		if status != http.StatusOK {
			code := "AUTH_UPSTREAM_ERROR"
			if status == http.StatusUnauthorized {
				code = "UNAUTHENTICATED"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
			return
		}
		setIdentity(c, claims.UserID, claims.Username)
		c.Next()
	}
}

func setIdentity(c *gin.Context, userID uint64, username string) {
	c.Set("userId", strconv.FormatUint(userID, 10))
	c.Set("username", username)
}

func parseLocal(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, errNotAccessToken
	}
	return claims, nil
}

func verifyRemote(ctx context.Context, client *http.Client, verifyURL, tokenString string) (int, VerifyClaims, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return http.StatusInternalServerError, VerifyClaims{}, "build verify request failed"
	}
	req.Header.Set("Authorization", "Bearer "+tokenString)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return http.StatusBadGateway, VerifyClaims{}, "auth-service verify failed"
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return http.StatusUnauthorized, VerifyClaims{}, e.Error
	}
	if resp.StatusCode != http.StatusOK {
		return http.StatusBadGateway, VerifyClaims{}, "auth-service verify non-200"
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return http.StatusBadGateway, VerifyClaims{}, "invalid verify response"
	}
	if claims.Type != "" && claims.Type != "access" {
		return http.StatusUnauthorized, VerifyClaims{}, errNotAccessToken.Error()
	}
	return http.StatusOK, claims, ""
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
