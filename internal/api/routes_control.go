package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/lobby"
)

type sayRequest struct {
	Message string `json:"message" binding:"required"`
}

type setSongRequest struct {
	Song       string `json:"song" binding:"required"`
	Difficulty string `json:"difficulty"`
}

type votingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type reloadRequest struct {
	Full bool `json:"full"`
}

// handleSay broadcasts a server chat line.
func (s *Server) handleSay(c *gin.Context) {
	var req sayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.lobby.Say(req.Message)
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// handleStart prepares the admin-selected song.
func (s *Server) handleStart(c *gin.Context) {
	if err := s.lobby.ManualStart(); err != nil {
		respondError(c, err)
		return
	}
	log.Info().Msg("API: manual start")
	c.JSON(http.StatusOK, gin.H{"status": "preparing"})
}

// handleForceStart starts the song for players that are ready.
func (s *Server) handleForceStart(c *gin.Context) {
	if err := s.lobby.ForceStart(); err != nil {
		respondError(c, err)
		return
	}
	log.Info().Msg("API: force start")
	c.JSON(http.StatusOK, gin.H{"status": "playing"})
}

// handleForceEnd ends the current song for everyone.
func (s *Server) handleForceEnd(c *gin.Context) {
	s.lobby.ForceEnd()
	log.Info().Msg("API: force end")
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// handleSetSong sets the song used by the next preparing phase.
func (s *Server) handleSetSong(c *gin.Context) {
	var req setSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.lobby.SetSong(req.Song, req.Difficulty)
	if err != nil {
		respondError(c, err)
		return
	}
	log.Info().Str("song", e.String()).Msg("API: song set")
	c.JSON(http.StatusOK, gin.H{
		"status": "set",
		"song":   e.String(),
	})
}

// handleVoting enables or disables nomination and voting.
func (s *Server) handleVoting(c *gin.Context) {
	var req votingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.lobby.SetVoting(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"voting": *req.Enabled})
}

// handleReloadCharts rescans the charts directory. The body is optional.
func (s *Server) handleReloadCharts(c *gin.Context) {
	var req reloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	added, err := s.lobby.ReloadCharts(req.Full)
	if err != nil {
		log.Error().Err(err).Msg("API: chart reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	st := s.lobby.Status()
	c.JSON(http.StatusOK, gin.H{
		"full":   req.Full,
		"added":  added,
		"songs":  st.Songs,
		"charts": st.Charts,
	})
}

// handleKick drops a player by nickname.
func (s *Server) handleKick(c *gin.Context) {
	nick := c.Param("nick")
	if err := s.lobby.Kick(nick); err != nil {
		respondError(c, err)
		return
	}
	log.Info().Str("nick", nick).Msg("API: player kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "nick": nick})
}

func (s *Server) handleMute(c *gin.Context)   { s.setMuted(c, true) }
func (s *Server) handleUnmute(c *gin.Context) { s.setMuted(c, false) }

func (s *Server) setMuted(c *gin.Context, muted bool) {
	nick := c.Param("nick")
	if err := s.lobby.Mute(nick, muted); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nick": nick, "muted": muted})
}

// respondError maps lobby errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusConflict
	switch {
	case errors.Is(err, lobby.ErrNoSuchPlayer),
		errors.Is(err, lobby.ErrSongNotFound),
		errors.Is(err, lobby.ErrDifficultyNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
