package server

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medledger/backend/internal/access"
	"github.com/medledger/backend/internal/accounts"
	"github.com/medledger/backend/internal/ledger"
	"github.com/medledger/backend/internal/records"
)

type recordPayload struct {
	RecordID            string `json:"record_id"`
	PatientID           string `json:"patient_id"`
	ClinicID            string `json:"clinic_id"`
	IsActive            bool   `json:"is_active"`
	CreatedAt           int64  `json:"created_at_s"`
	LastUpdated         int64  `json:"last_updated_s"`
	CurrentSnapshotHash string `json:"current_snapshot_hash"`
}

func toRecordPayload(record records.MedicalRecord) recordPayload {
	return recordPayload{
		RecordID:            record.RecordID,
		PatientID:           record.PatientID,
		ClinicID:            record.ClinicID,
		IsActive:            record.IsActive,
		CreatedAt:           record.CreatedAtSecs,
		LastUpdated:         record.LastUpdatedSecs,
		CurrentSnapshotHash: record.CurrentSnapshotHash,
	}
}

type eventPayload struct {
	EventID          string  `json:"event_id"`
	RecordID         string  `json:"record_id"`
	EventType        string  `json:"event_type"`
	Action           string  `json:"action"`
	ReferenceEventID *string `json:"reference_event_id,omitempty"`
	Data             string  `json:"data"`
	CreatedByID      string  `json:"created_by_id"`
	Timestamp        int64   `json:"timestamp_s"`
	EventHash        string  `json:"event_hash"`
	Status           string  `json:"status"`
	BatchID          *string `json:"batch_id,omitempty"`
}

func toEventPayload(event ledger.MedicalEvent) eventPayload {
	return eventPayload{
		EventID:          event.EventID,
		RecordID:         event.RecordID,
		EventType:        event.EventType,
		Action:           string(event.Action),
		ReferenceEventID: event.ReferenceEventID,
		Data:             event.Data,
		CreatedByID:      event.CreatedByID,
		Timestamp:        event.TimestampSecs,
		EventHash:        event.EventHash,
		Status:           string(event.Status),
		BatchID:          event.BatchID,
	}
}

func toEventPayloads(events []ledger.MedicalEvent) []eventPayload {
	result := make([]eventPayload, 0, len(events))
	for _, event := range events {
		result = append(result, toEventPayload(event))
	}
	return result
}

type assignmentPayload struct {
	UserID       string `json:"user_id"`
	RecordID     string `json:"record_id"`
	AssignedDate int64  `json:"assigned_date_s"`
	IsActive     bool   `json:"is_active"`
}

func toAssignmentPayloads(assignments []access.UserMedicalRecord) []assignmentPayload {
	result := make([]assignmentPayload, 0, len(assignments))
	for _, assignment := range assignments {
		result = append(result, assignmentPayload{
			UserID:       assignment.UserID,
			RecordID:     assignment.RecordID,
			AssignedDate: assignment.AssignedDateSecs,
			IsActive:     assignment.IsActive,
		})
	}
	return result
}

type createRecordRequestPayload struct {
	PatientID string `json:"patient_id"`
	ClinicID  string `json:"clinic_id"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	user := currentUser(c)
	if user == nil || (user.Role != accounts.RoleAdmin && user.Role != accounts.RoleDoctor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "staff_role_required"})
		return
	}
	var request createRecordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.records.Create(c.Request.Context(), request.PatientID, request.ClinicID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRecordPayload(*record))
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	user := currentUser(c)
	recordID := c.Param("id")
	if err := h.access.AuthorizeRead(c.Request.Context(), user.UserID, recordID); err != nil {
		h.writeError(c, err)
		return
	}
	record, err := h.records.GetByID(c.Request.Context(), recordID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecordPayload(*record))
}

func (h *httpHandler) handleSetRecordActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.requireAdmin(c) == nil {
			return
		}
		var err error
		if active {
			err = h.records.Activate(c.Request.Context(), c.Param("id"))
		} else {
			err = h.records.Deactivate(c.Request.Context(), c.Param("id"))
		}
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleListRecordEvents(c *gin.Context) {
	user := currentUser(c)
	recordID := c.Param("id")
	if err := h.access.AuthorizeRead(c.Request.Context(), user.UserID, recordID); err != nil {
		h.writeError(c, err)
		return
	}
	events, err := h.ledger.ListByRecord(c.Request.Context(), recordID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventPayloads(events)})
}

type attachmentRequestPayload struct {
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	Ciphertext string `json:"ciphertext"`
}

type createEventRequestPayload struct {
	EventType        string                     `json:"event_type"`
	Action           string                     `json:"action"`
	Data             string                     `json:"data"`
	ReferenceEventID *string                    `json:"reference_event_id"`
	Attachments      []attachmentRequestPayload `json:"attachments"`
}

func (h *httpHandler) handleCreateEvent(c *gin.Context) {
	user := currentUser(c)
	var request createEventRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action, err := ledger.ParseAction(request.Action)
	if err != nil {
		h.writeError(c, err)
		return
	}

	attachments := make([]ledger.AttachmentUpload, 0, len(request.Attachments))
	for _, attachment := range request.Attachments {
		ciphertext, err := base64.StdEncoding.DecodeString(attachment.Ciphertext)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attachment_encoding"})
			return
		}
		attachments = append(attachments, ledger.AttachmentUpload{
			FileName:   attachment.FileName,
			FileType:   attachment.FileType,
			Ciphertext: ciphertext,
		})
	}

	event, err := h.ledger.CreateEvent(c.Request.Context(), ledger.CreateEventRequest{
		RecordID:         c.Param("id"),
		EventType:        request.EventType,
		Data:             request.Data,
		Action:           action,
		ReferenceEventID: request.ReferenceEventID,
		Attachments:      attachments,
		ActorID:          user.UserID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toEventPayload(*event))
}

func (h *httpHandler) handleVerifyChain(c *gin.Context) {
	user := currentUser(c)
	recordID := c.Param("id")
	if err := h.access.AuthorizeRead(c.Request.Context(), user.UserID, recordID); err != nil {
		h.writeError(c, err)
		return
	}
	intact, err := h.ledger.VerifyChain(c.Request.Context(), recordID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": recordID, "intact": intact})
}

func (h *httpHandler) handleGetEvent(c *gin.Context) {
	user := currentUser(c)
	event, attachments, err := h.ledger.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.access.AuthorizeRead(c.Request.Context(), user.UserID, event.RecordID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": toEventPayload(*event), "attachments": attachments})
}

func (h *httpHandler) handleListEventsByStatus(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	status, err := ledger.ParseStatus(c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	events, err := h.ledger.ListByStatus(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventPayloads(events)})
}

func (h *httpHandler) handleListPatientRecords(c *gin.Context) {
	user := currentUser(c)
	patientID := c.Param("id")
	if user.Role == accounts.RolePatient && user.UserID != patientID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_read_other_patient_records"})
		return
	}
	result, err := h.records.ListByPatient(c.Request.Context(), patientID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": toRecordPayloads(result)})
}

func (h *httpHandler) handleListClinicRecords(c *gin.Context) {
	user := currentUser(c)
	if user.Role != accounts.RoleAdmin && user.ClinicID != c.Param("id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "clinic_affiliation_required"})
		return
	}
	result, err := h.records.ListByClinic(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": toRecordPayloads(result)})
}

func (h *httpHandler) handleListStaffRecords(c *gin.Context) {
	user := currentUser(c)
	staffID := c.Param("id")
	if user.Role != accounts.RoleAdmin && user.UserID != staffID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_read_other_staff_records"})
		return
	}
	result, err := h.records.ListByStaff(c.Request.Context(), staffID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": toRecordPayloads(result)})
}

func toRecordPayloads(result []records.MedicalRecord) []recordPayload {
	payloads := make([]recordPayload, 0, len(result))
	for _, record := range result {
		payloads = append(payloads, toRecordPayload(record))
	}
	return payloads
}

type assignmentRequestPayload struct {
	UserID   string `json:"user_id"`
	RecordID string `json:"record_id"`
}

func (h *httpHandler) handleAssign(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	var request assignmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.access.Assign(c.Request.Context(), request.UserID, request.RecordID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnassign(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	var request assignmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.access.Unassign(c.Request.Context(), request.UserID, request.RecordID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type bulkAssignRequestPayload struct {
	UserID    string   `json:"user_id"`
	RecordIDs []string `json:"record_ids"`
}

func (h *httpHandler) handleBulkAssign(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	var request bulkAssignRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.RecordIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.access.BulkAssign(c.Request.Context(), request.UserID, request.RecordIDs); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type transferAssignmentRequestPayload struct {
	RecordID string `json:"record_id"`
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user"`
}

func (h *httpHandler) handleTransferAssignment(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	var request transferAssignmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.access.TransferAssignment(c.Request.Context(), request.RecordID, request.FromUser, request.ToUser); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListAssignments(c *gin.Context) {
	user := currentUser(c)
	targetID := c.Param("id")
	if user.Role != accounts.RoleAdmin && user.UserID != targetID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_read_other_user_assignments"})
		return
	}
	assignments, err := h.access.ListAssignments(c.Request.Context(), targetID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": toAssignmentPayloads(assignments)})
}

func (h *httpHandler) handleListRecordStaff(c *gin.Context) {
	user := currentUser(c)
	recordID := c.Param("id")
	if err := h.access.AuthorizeRead(c.Request.Context(), user.UserID, recordID); err != nil {
		h.writeError(c, err)
		return
	}
	staff, err := h.access.ListStaff(c.Request.Context(), recordID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"staff": toAssignmentPayloads(staff)})
}
