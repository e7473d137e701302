package middleware

import (
	midsec "PPRealtime/middleware/security"

	"github.com/gin-gonic/gin"
)

type RouteOpt struct {
	AdminToken string // non-empty => route guarded by AdminOnly
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.AdminToken != "" {
		r.POST(path, midsec.AdminOnly(opt.AdminToken), handler)
		return
	}
	r.POST(path, handler)
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.AdminToken != "" {
		r.GET(path, midsec.AdminOnly(opt.AdminToken), handler)
		return
	}
	r.GET(path, handler)
}
