package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dearly-app/dearly/internal/domain"
	"github.com/dearly-app/dearly/internal/invite"
)

// identity reads the caller's identity from the headers set by the auth
// front. The auth layer itself lives outside this service.
func identity(c *gin.Context) (domain.User, bool) {
	u := domain.User{
		ID:          domain.UserID(c.GetHeader("X-User-ID")),
		Email:       c.GetHeader("X-User-Email"),
		DisplayName: c.GetHeader("X-User-Name"),
	}
	if u.ID == "" || u.Email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return domain.User{}, false
	}
	return u, true
}

type sendInviteRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func registerInviteRoutes(api *gin.RouterGroup, svc *invite.Service) {
	api.POST("/invitations", func(c *gin.Context) {
		u, ok := identity(c)
		if !ok {
			return
		}
		var req sendInviteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		id, err := svc.Send(u, req.Email)
		if err != nil {
			if errors.Is(err, invite.ErrSelfInvitation) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "cannot invite yourself"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not send invitation"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	})

	api.GET("/invitations/received", func(c *gin.Context) {
		u, ok := identity(c)
		if !ok {
			return
		}
		list, err := svc.ListReceived(u.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list invitations"})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	api.GET("/invitations/sent", func(c *gin.Context) {
		u, ok := identity(c)
		if !ok {
			return
		}
		list, err := svc.ListSent(u.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list invitations"})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	api.POST("/invitations/:id/accept", func(c *gin.Context) {
		u, ok := identity(c)
		if !ok {
			return
		}
		roomID, err := svc.Accept(c.Param("id"), u)
		if err != nil {
			switch {
			case errors.Is(err, invite.ErrInvitationNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "invitation not found"})
			case errors.Is(err, invite.ErrInvitationNotPending):
				c.JSON(http.StatusConflict, gin.H{"error": "invitation already resolved"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not accept invitation"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"room_id": roomID})
	})

	api.POST("/invitations/:id/reject", func(c *gin.Context) {
		if _, ok := identity(c); !ok {
			return
		}
		if err := svc.Reject(c.Param("id")); err != nil {
			switch {
			case errors.Is(err, invite.ErrInvitationNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "invitation not found"})
			case errors.Is(err, invite.ErrInvitationNotPending):
				c.JSON(http.StatusConflict, gin.H{"error": "invitation already resolved"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not reject invitation"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
	})

	api.GET("/partner", func(c *gin.Context) {
		u, ok := identity(c)
		if !ok {
			return
		}
		p, err := svc.PartnerOf(u.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not look up partner"})
			return
		}
		if p == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no partner"})
			return
		}
		c.JSON(http.StatusOK, p)
	})
}
