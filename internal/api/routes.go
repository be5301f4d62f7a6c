package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/chat"
	"github.com/zulandar/medconsult/internal/consult"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/models"
	"github.com/zulandar/medconsult/internal/realtime"
)

const dateLayout = "2006-01-02"

type handlers struct {
	Deps
	upgrader websocket.Upgrader
}

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api", authenticate(h.Verifier))
	api.GET("/consultations", h.listConsultations)
	api.POST("/consultations", h.createConsultation)
	api.GET("/consultations/:id", h.getConsultation)
	api.POST("/consultations/:id/accept", h.acceptConsultation)
	api.POST("/consultations/:id/reject", h.rejectConsultation)
	api.POST("/consultations/:id/complete", h.completeConsultation)
	api.POST("/consultations/:id/rate", h.rateConsultation)
	api.GET("/consultations/:id/messages", h.listMessages)
	api.POST("/consultations/:id/messages", h.sendMessage)
	api.POST("/messages/:id/status", h.advanceMessage)
	api.GET("/doctors/:id/rating", h.doctorRating)
	api.GET("/feedback", h.listFeedback)
	api.POST("/feedback", h.submitFeedback)
	api.GET("/feedback/recent", h.recentFeedback)

	// Websocket sessions authenticate themselves so failures surface as
	// close codes rather than HTTP statuses.
	router.GET("/ws/consultations/:id", h.chatSocket)
	router.GET("/ws/notifications", h.notificationSocket)
}

type consultationResponse struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	DoctorID         string     `json:"doctor_id"`
	Status           string     `json:"status"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	DiseaseName      string     `json:"disease_name,omitempty"`
	Specialization   string     `json:"specialization,omitempty"`
	Note             string     `json:"note,omitempty"`
	ConsultationDate string     `json:"consultation_date"`
	Participants     []string   `json:"participants"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
}

func toConsultationResponse(c models.Consultation) consultationResponse {
	return consultationResponse{
		ID:               c.ID,
		PatientID:        c.PatientID,
		DoctorID:         c.DoctorID,
		Status:           c.Status,
		RejectionReason:  c.RejectionReason,
		DiseaseName:      c.DiseaseName,
		Specialization:   c.Specialization,
		Note:             c.Note,
		ConsultationDate: c.ConsultationDate.Format(dateLayout),
		Participants:     c.ParticipantIDs(),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		ArchivedAt:       c.ArchivedAt,
	}
}

type messageResponse struct {
	ID        uint      `json:"id"`
	Message   string    `json:"message"`
	Sender    string    `json:"sender"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func toMessageResponse(m models.ChatMessage) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Message:   m.Body,
		Sender:    m.SenderID,
		Status:    m.Status,
		Timestamp: m.CreatedAt.UTC(),
	}
}

func (h *handlers) health(c *gin.Context) {
	sqlDB, err := h.Ledger.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) listConsultations(c *gin.Context) {
	p := principal(c)
	f := ledger.ConsultationFilter{Status: c.Query("status"), Limit: 100}
	if !p.IsAdmin() {
		f.UserID = p.ID
	}
	list, err := h.Ledger.ListConsultations(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consultations": lo.Map(list, func(m models.Consultation, _ int) consultationResponse {
		return toConsultationResponse(m)
	})})
}

type createConsultationRequest struct {
	PatientID        string `json:"patient_id"`
	DoctorID         string `json:"doctor_id" binding:"required"`
	ConsultationDate string `json:"consultation_date" binding:"required,datetime=2006-01-02"`
	DiseaseName      string `json:"disease_name" binding:"max=200"`
	Specialization   string `json:"specialization" binding:"max=64"`
	Note             string `json:"note"`
}

func (h *handlers) createConsultation(c *gin.Context) {
	var req createConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body"))
		return
	}
	date, err := time.Parse(dateLayout, req.ConsultationDate)
	if err != nil {
		abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "consultation_date must be YYYY-MM-DD"))
		return
	}
	cons, err := h.Coordinator.Create(c.Request.Context(), principal(c), consult.CreateRequest{
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		ConsultationDate: date,
		DiseaseName:      req.DiseaseName,
		Specialization:   req.Specialization,
		Note:             req.Note,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toConsultationResponse(*cons))
}

func (h *handlers) getConsultation(c *gin.Context) {
	cons, err := h.Coordinator.Get(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsultationResponse(*cons))
}

func (h *handlers) acceptConsultation(c *gin.Context) {
	cons, err := h.Coordinator.Accept(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsultationResponse(*cons))
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

func (h *handlers) rejectConsultation(c *gin.Context) {
	var req rejectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body"))
			return
		}
	}
	cons, err := h.Coordinator.Reject(c.Request.Context(), c.Param("id"), principal(c), req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsultationResponse(*cons))
}

func (h *handlers) completeConsultation(c *gin.Context) {
	cons, err := h.Coordinator.CompleteAs(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsultationResponse(*cons))
}

type rateRequest struct {
	Rating int    `json:"rating" binding:"required,min=1,max=5"`
	Review string `json:"review" binding:"max=2000"`
}

func (h *handlers) rateConsultation(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body"))
		return
	}
	if _, err := h.Coordinator.Rate(c.Request.Context(), c.Param("id"), principal(c), req.Rating, req.Review); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "Rating submitted"})
}

func (h *handlers) doctorRating(c *gin.Context) {
	sum, err := h.Coordinator.DoctorRating(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doctor_id": c.Param("id"), "count": sum.Count, "avg_rating": sum.Average})
}

type feedbackResponse struct {
	ID       uint      `json:"id"`
	Created  time.Time `json:"created"`
	Sender   string    `json:"sender"`
	Doctor   string    `json:"doctor"`
	Feedback string    `json:"feedback"`
}

func toFeedbackResponse(f models.Feedback, _ int) feedbackResponse {
	return feedbackResponse{
		ID:       f.ID,
		Created:  f.CreatedAt.UTC(),
		Sender:   f.SenderID,
		Doctor:   f.DoctorID,
		Feedback: f.Body,
	}
}

type feedbackRequest struct {
	Doctor   string `json:"doctor" binding:"required"`
	Feedback string `json:"feedback" binding:"required,max=4000"`
}

func (h *handlers) submitFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body"))
		return
	}
	f, err := h.Coordinator.SubmitFeedback(c.Request.Context(), principal(c), req.Doctor, req.Feedback)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "success", "data": toFeedbackResponse(*f, 0)})
}

func (h *handlers) listFeedback(c *gin.Context) {
	f := ledger.FeedbackFilter{Search: c.Query("search"), Limit: 100}
	var err error
	if f.CreatedAfter, f.CreatedBefore, err = queryCreatedRange(c); err != nil {
		abortWithError(c, err)
		return
	}
	list, err := h.Coordinator.ListFeedback(c.Request.Context(), principal(c), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(list), "results": lo.Map(list, toFeedbackResponse)})
}

func (h *handlers) recentFeedback(c *gin.Context) {
	list, err := h.Coordinator.RecentFeedback(c.Request.Context(), principal(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(list), "results": lo.Map(list, toFeedbackResponse)})
}

func (h *handlers) listMessages(c *gin.Context) {
	f := chat.HistoryFilter{
		Status:   c.Query("status"),
		SenderID: c.Query("sender"),
		Search:   c.Query("search"),
	}
	var err error
	if f.Page, err = queryInt(c, "page"); err != nil {
		abortWithError(c, err)
		return
	}
	if f.PageSize, err = queryInt(c, "page_size"); err != nil {
		abortWithError(c, err)
		return
	}
	if f.CreatedAfter, f.CreatedBefore, err = queryCreatedRange(c); err != nil {
		abortWithError(c, err)
		return
	}

	page, err := h.Chat.History(c.Request.Context(), c.Param("id"), principal(c), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
		"results": lo.Map(page.Messages, func(m models.ChatMessage, _ int) messageResponse {
			return toMessageResponse(m)
		}),
	})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperr.New(apperr.ErrInvalidInput, "%s must be a positive integer", key)
	}
	return n, nil
}

// queryTime reads an RFC 3339 timestamp or a YYYY-MM-DD date, which means
// midnight UTC. A missing key yields the zero time.
func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, apperr.New(apperr.ErrInvalidInput, "%s must be RFC 3339 or YYYY-MM-DD", key)
	}
	return t, nil
}

func queryCreatedRange(c *gin.Context) (after, before time.Time, err error) {
	if after, err = queryTime(c, "created_after"); err != nil {
		return
	}
	before, err = queryTime(c, "created_before")
	return
}

type sendMessageRequest struct {
	Message string `json:"message" binding:"required,max=4000"`
}

func (h *handlers) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body"))
		return
	}
	msg, err := h.Chat.Send(c.Request.Context(), c.Param("id"), principal(c), req.Message)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessageResponse(*msg))
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *handlers) advanceMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abortWithError(c, apperr.New(apperr.ErrInvalidInput, "message id must be numeric"))
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body"))
		return
	}
	msg, changed, err := h.Chat.AdvanceStatus(c.Request.Context(), uint(id), principal(c), req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": toMessageResponse(*msg), "changed": changed})
}

func (h *handlers) chatSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	t := realtime.NewWSConn(ws, h.WS)
	_ = h.Hub.ServeConsultation(c.Request.Context(), t, auth.CredentialFromRequest(c.Request), c.Param("id"))
}

func (h *handlers) notificationSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	t := realtime.NewWSConn(ws, h.WS)
	_ = h.Hub.ServeNotifications(c.Request.Context(), t, auth.CredentialFromRequest(c.Request))
}
