package controllers

import (
	"net/http"

	"paper-trader/services"

	"github.com/gin-gonic/gin"
)

// JournalController handles session journal endpoints
type JournalController struct {
	journal *services.SessionJournal
}

// NewJournalController creates a new journal controller
func NewJournalController(journal *services.SessionJournal) *JournalController {
	return &JournalController{
		journal: journal,
	}
}

// HandleGetCurrentJournal returns the current day's session journal
// GET /api/v1/journal
func (jc *JournalController) HandleGetCurrentJournal(c *gin.Context) {
	log, err := jc.journal.CurrentLog()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, log)
}

// HandleGetJournalByDate returns the journal for a specific date
// GET /api/v1/journal/:date
func (jc *JournalController) HandleGetJournalByDate(c *gin.Context) {
	date := c.Param("date")

	log, err := jc.journal.LogForDate(date)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, log)
}

// HandleListJournals returns the list of available journal dates
// GET /api/v1/journal/dates
func (jc *JournalController) HandleListJournals(c *gin.Context) {
	dates, err := jc.journal.ListDates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dates": dates,
		"count": len(dates),
	})
}
