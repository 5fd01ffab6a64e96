package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

const flashCookie = "prevsim_flash"

// Flash kinds map onto alert styles in the layout.
const (
	flashSuccess = "success"
	flashError   = "danger"
	flashWarning = "warning"
)

// Flash is a one-shot message shown on the next rendered page.
type Flash struct {
	Kind    string `json:"k"`
	Message string `json:"m"`
}

// addFlash queues a message for the next page. Messages from the same
// request accumulate.
func addFlash(c *gin.Context, kind, msg string) {
	var queued []Flash
	if v, ok := c.Get(flashCookie); ok {
		queued = v.([]Flash)
	}
	queued = append(queued, Flash{Kind: kind, Message: msg})
	c.Set(flashCookie, queued)

	raw, err := json.Marshal(queued)
	if err != nil {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(flashCookie, base64.RawURLEncoding.EncodeToString(raw), 60, "/", "", false, true)
}

// popFlashes returns and clears the queued messages.
func popFlashes(c *gin.Context) []Flash {
	raw, err := c.Cookie(flashCookie)
	if err != nil || raw == "" {
		return nil
	}
	c.SetCookie(flashCookie, "", -1, "/", "", false, true)
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	var out []Flash
	if json.Unmarshal(data, &out) != nil {
		return nil
	}
	return out
}

// redirectFlash queues msg and redirects with 303 See Other.
func redirectFlash(c *gin.Context, to, kind, msg string) {
	addFlash(c, kind, msg)
	c.Redirect(http.StatusSeeOther, to)
}
