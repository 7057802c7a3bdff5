package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/gin-gonic/gin"
)

const (
	opHTTPCreatePartition    = "http.create_partition"
	opHTTPListPartitions     = "http.list_partitions"
	opHTTPFindPartition      = "http.find_partition"
	opHTTPDeletePartition    = "http.delete_partition"
	opHTTPLeavePartition     = "http.leave_partition"
	opHTTPSaveRecord         = "http.save_record"
	opHTTPFetchRecord        = "http.fetch_record"
	opHTTPDeleteRecord       = "http.delete_record"
	opHTTPQueryRecords       = "http.query_records"
	opHTTPScopeChanges       = "http.scope_changes"
	opHTTPPartitionChanges   = "http.partition_changes"
	opHTTPCreateSubscription = "http.create_subscription"
	opHTTPListSubscriptions  = "http.list_subscriptions"
	opHTTPDeleteSubscription = "http.delete_subscription"
	opHTTPLookupParticipant  = "http.lookup_participant"
	opHTTPGrantAccess        = "http.grant_access"
	opHTTPAcceptGrant        = "http.accept_grant"
	opHTTPListGrants         = "http.list_grants"
)

var errEmptyBody = errors.New("request body is required")

// bind decodes the JSON body and reports whether the handler may proceed.
func (h *httpHandler) bind(c *gin.Context, operation string, target any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		h.respondInvalid(c, operation, errEmptyBody)
		return false
	}
	if err := c.ShouldBindJSON(target); err != nil {
		h.respondInvalid(c, operation, err)
		return false
	}
	return true
}

func (h *httpHandler) view(c *gin.Context) *recordstore.UserView {
	return h.store.View(c.GetString(userIDContextKey))
}

func (h *httpHandler) handleCreatePartition(c *gin.Context) {
	var request wire.PartitionRequest
	if !h.bind(c, opHTTPCreatePartition, &request) {
		return
	}
	ref, err := h.view(c).CreatePartition(c.Request.Context(), request.Name)
	if err != nil {
		h.respondError(c, opHTTPCreatePartition, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (h *httpHandler) handleListPartitions(c *gin.Context) {
	var request wire.PartitionRequest
	if !h.bind(c, opHTTPListPartitions, &request) {
		return
	}
	refs, err := h.view(c).ListPartitions(c.Request.Context(), request.Scope)
	if err != nil {
		h.respondError(c, opHTTPListPartitions, err)
		return
	}
	if refs == nil {
		refs = []records.PartitionRef{}
	}
	c.JSON(http.StatusOK, wire.PartitionsResponse{Partitions: refs})
}

func (h *httpHandler) handleFindPartition(c *gin.Context) {
	var request wire.PartitionRequest
	if !h.bind(c, opHTTPFindPartition, &request) {
		return
	}
	ref, err := h.view(c).FindPartition(c.Request.Context(), request.Scope, request.Name)
	if err != nil {
		h.respondError(c, opHTTPFindPartition, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *httpHandler) handleDeletePartition(c *gin.Context) {
	var request wire.PartitionRequest
	if !h.bind(c, opHTTPDeletePartition, &request) {
		return
	}
	if err := h.view(c).DeletePartition(c.Request.Context(), request.Partition); err != nil {
		h.respondError(c, opHTTPDeletePartition, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeavePartition(c *gin.Context) {
	var request wire.PartitionRequest
	if !h.bind(c, opHTTPLeavePartition, &request) {
		return
	}
	if err := h.view(c).LeavePartition(c.Request.Context(), request.Partition); err != nil {
		h.respondError(c, opHTTPLeavePartition, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSaveRecord(c *gin.Context) {
	var request wire.RecordRequest
	if !h.bind(c, opHTTPSaveRecord, &request) {
		return
	}
	saved, err := h.view(c).SaveRecord(c.Request.Context(), request.Scope, request.Record)
	if err != nil {
		h.respondError(c, opHTTPSaveRecord, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleFetchRecord(c *gin.Context) {
	var request wire.RecordRequest
	if !h.bind(c, opHTTPFetchRecord, &request) {
		return
	}
	record, err := h.view(c).FetchRecord(c.Request.Context(), request.Scope, request.Partition, request.Key)
	if err != nil {
		h.respondError(c, opHTTPFetchRecord, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	var request wire.RecordRequest
	if !h.bind(c, opHTTPDeleteRecord, &request) {
		return
	}
	if err := h.view(c).DeleteRecord(c.Request.Context(), request.Scope, request.Partition, request.Key); err != nil {
		h.respondError(c, opHTTPDeleteRecord, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleQueryRecords(c *gin.Context) {
	var request wire.RecordRequest
	if !h.bind(c, opHTTPQueryRecords, &request) {
		return
	}
	found, err := h.view(c).QueryRecords(c.Request.Context(), request.Scope, request.Partition, request.Query)
	if err != nil {
		h.respondError(c, opHTTPQueryRecords, err)
		return
	}
	if found == nil {
		found = []records.Record{}
	}
	c.JSON(http.StatusOK, wire.RecordsResponse{Records: found})
}

func (h *httpHandler) handleScopeChanges(c *gin.Context) {
	var request wire.ChangesRequest
	if !h.bind(c, opHTTPScopeChanges, &request) {
		return
	}
	changes, err := h.view(c).FetchScopeChanges(c.Request.Context(), request.Scope, request.Cursor)
	if err != nil {
		h.respondError(c, opHTTPScopeChanges, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

func (h *httpHandler) handlePartitionChanges(c *gin.Context) {
	var request wire.ChangesRequest
	if !h.bind(c, opHTTPPartitionChanges, &request) {
		return
	}
	changes, err := h.view(c).FetchPartitionChanges(c.Request.Context(), request.Scope, request.Partition, request.Cursor, request.Options)
	if err != nil {
		h.respondError(c, opHTTPPartitionChanges, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

func (h *httpHandler) handleCreateSubscription(c *gin.Context) {
	var request wire.SubscriptionRequest
	if !h.bind(c, opHTTPCreateSubscription, &request) {
		return
	}
	created, err := h.view(c).CreateSubscription(c.Request.Context(), request.Subscription)
	if err != nil {
		h.respondError(c, opHTTPCreateSubscription, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (h *httpHandler) handleListSubscriptions(c *gin.Context) {
	subscriptions, err := h.view(c).ListSubscriptions(c.Request.Context())
	if err != nil {
		h.respondError(c, opHTTPListSubscriptions, err)
		return
	}
	if subscriptions == nil {
		subscriptions = []records.Subscription{}
	}
	c.JSON(http.StatusOK, wire.SubscriptionsResponse{Subscriptions: subscriptions})
}

func (h *httpHandler) handleDeleteSubscription(c *gin.Context) {
	var request wire.SubscriptionRequest
	if !h.bind(c, opHTTPDeleteSubscription, &request) {
		return
	}
	if err := h.view(c).DeleteSubscription(c.Request.Context(), request.ID); err != nil {
		h.respondError(c, opHTTPDeleteSubscription, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLookupParticipant(c *gin.Context) {
	var request wire.LookupRequest
	if !h.bind(c, opHTTPLookupParticipant, &request) {
		return
	}
	handle, err := h.view(c).LookupParticipant(c.Request.Context(), request.Reference)
	if err != nil {
		h.respondError(c, opHTTPLookupParticipant, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h *httpHandler) handleGrantAccess(c *gin.Context) {
	var request wire.GrantRequest
	if !h.bind(c, opHTTPGrantAccess, &request) {
		return
	}
	if err := h.view(c).GrantAccess(c.Request.Context(), request.Partition, request.Participant); err != nil {
		h.respondError(c, opHTTPGrantAccess, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAcceptGrant(c *gin.Context) {
	var request wire.GrantRequest
	if !h.bind(c, opHTTPAcceptGrant, &request) {
		return
	}
	if err := h.view(c).AcceptGrant(c.Request.Context(), request.Partition); err != nil {
		h.respondError(c, opHTTPAcceptGrant, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListGrants(c *gin.Context) {
	var request wire.GrantRequest
	if !h.bind(c, opHTTPListGrants, &request) {
		return
	}
	grants, err := h.view(c).ListGrants(c.Request.Context(), request.Partition)
	if err != nil {
		h.respondError(c, opHTTPListGrants, err)
		return
	}
	if grants == nil {
		grants = []records.Grant{}
	}
	c.JSON(http.StatusOK, wire.GrantsResponse{Grants: grants})
}
