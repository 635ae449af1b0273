package server

import (
	"github.com/kataras/iris/v12"
)

// registerAdminRoutes 仅 ADMIN 角色可访问的管理接口
func registerAdminRoutes(app *iris.Application, h *handlers, authed []iris.Handler) {
	chain := func(final iris.Handler) []iris.Handler {
		out := make([]iris.Handler, 0, len(authed)+2)
		out = append(out, authed...)
		return append(out, requireAdmin, final)
	}

	app.Delete("/chat/rooms/{roomId:string}/cleanup", chain(h.cleanup)...)
	app.Get("/admin/stats", chain(h.stats)...)
}

func requireAdmin(ctx iris.Context) {
	if id := identityOf(ctx); id == nil || !id.IsAdmin() {
		ctx.StopWithJSON(iris.StatusForbidden, iris.Map{"code": iris.StatusForbidden, "msg": "admin role required"})
		return
	}
	ctx.Next()
}

// cleanup 手动清理，保留最近 keepLast 条（默认 100）
func (h *handlers) cleanup(ctx iris.Context) {
	keepLast, err := intParam(ctx, "keepLast", defaultKeepLast)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	roomID := ctx.Params().Get("roomId")
	deleted, err := h.chat.CleanupOldMessages(ctx.Request().Context(), roomID, keepLast)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ok(ctx, iris.Map{"roomId": roomID, "deleted": deleted, "keepLast": keepLast})
}

func (h *handlers) stats(ctx iris.Context) {
	if h.monitor == nil {
		ok(ctx, iris.Map{})
		return
	}
	ok(ctx, h.monitor.GetStats())
}
