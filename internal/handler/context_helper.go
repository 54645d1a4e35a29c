package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/middleware"
	"github.com/noah-isme/signalhub-api/internal/models"
)

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

func actorFromContext(c *gin.Context) (dto.Actor, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return dto.Actor{}, false
	}
	return dto.Actor{ID: user.ID, Role: user.Role, Meta: requestMeta(c)}, true
}
