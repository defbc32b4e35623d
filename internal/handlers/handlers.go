package handlers

import (
	"errors"
	"io/fs"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/tryon-gateway/internal/inference"
	"github.com/example/tryon-gateway/internal/logging"
	"github.com/example/tryon-gateway/internal/usecase"
)

// Error messages returned to clients.
const (
	msgMissingFiles  = "Missing required files"
	msgFileNotFound  = "File not found: "
	msgTypeIssue     = "Internal server error: Type issue occurred."
	msgUnexpected    = "An unexpected error occurred. Please try again later."
	msgNotConfigured = "result history is not configured"
)

// ResultIDHeader carries the gateway-assigned id under which a try-on result
// can be fetched again from /result/:id.
const ResultIDHeader = "X-Result-ID"

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger             *zap.Logger
	CORSOrigins        []string
	MaxMultipartMemory int64
}

// NewRouter builds a gin engine with recovery, request logging and CORS.
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(opts.Logger))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", logging.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", logging.RequestIDHeader, ResultIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	router.Use(cors.New(corsConfig))

	if opts.MaxMultipartMemory > 0 {
		router.MaxMultipartMemory = opts.MaxMultipartMemory
	}
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware may
// be nil, in which case every route is public.
func RegisterRoutes(router *gin.Engine, uc *usecase.TryOnUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}

	protected.POST("/tryon", func(c *gin.Context) {
		personHeader, personErr := c.FormFile("person_img")
		garmentHeader, garmentErr := c.FormFile("garment_img")
		if personErr != nil || garmentErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgMissingFiles})
			return
		}

		person, err := personHeader.Open()
		if err != nil {
			writeTryOnError(c, err)
			return
		}
		defer person.Close()
		garment, err := garmentHeader.Open()
		if err != nil {
			writeTryOnError(c, err)
			return
		}
		defer garment.Close()

		out, err := uc.RunTryOn(c.Request.Context(), usecase.TryOnInput{
			Person:        person,
			Garment:       garment,
			Seed:          parseSeed(c),
			RandomizeSeed: parseRandomizeSeed(c),
		})
		if err != nil {
			writeTryOnError(c, err)
			return
		}

		c.Header(ResultIDHeader, out.ResultID)
		c.FileAttachment(out.ResultPath, filepath.Base(out.ResultPath))
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		path, err := uc.LookupResult(c.Request.Context(), c.Param("id"))
		switch {
		case err == nil:
			c.FileAttachment(path, filepath.Base(path))
		case errors.Is(err, usecase.ErrResultNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		case errors.Is(err, usecase.ErrResultExpired):
			c.JSON(http.StatusNotFound, gin.H{"error": "result expired"})
		case errors.Is(err, usecase.ErrHistoryDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgNotConfigured})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgUnexpected})
		}
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrHistoryDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgNotConfigured})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgUnexpected})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// writeTryOnError maps a failure of the try-on sequence onto a 500 response.
func writeTryOnError(c *gin.Context, err error) {
	_ = c.Error(err)

	var pathErr *fs.PathError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		detail := err.Error()
		if errors.As(err, &pathErr) {
			detail = pathErr.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgFileNotFound + detail})
	case errors.Is(err, inference.ErrUnexpectedResultType):
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgTypeIssue})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgUnexpected})
	}
}

// parseSeed reads the optional seed field. Absent, malformed or non-finite
// values yield 0.
func parseSeed(c *gin.Context) float64 {
	seed, err := strconv.ParseFloat(strings.TrimSpace(c.PostForm("seed")), 64)
	if err != nil || math.IsNaN(seed) || math.IsInf(seed, 0) {
		return 0
	}
	return seed
}

// parseRandomizeSeed defaults to true; a present value is true only when it
// reads "true" in any case.
func parseRandomizeSeed(c *gin.Context) bool {
	value, ok := c.GetPostForm("randomize_seed")
	if !ok {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(value), "true")
}
