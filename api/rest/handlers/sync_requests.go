package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	custom_err "github.com/customeros/mailsync/api/errors"
	"github.com/customeros/mailsync/dto"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/internal/utils"
)

// SyncRequestsHandler is the external writer for manual sync requests.
type SyncRequestsHandler struct {
	queue  interfaces.SyncRequestQueue
	waiter interfaces.SyncRequestWaiter
	log    logger.Logger
}

func NewSyncRequestsHandler(queue interfaces.SyncRequestQueue, waiter interfaces.SyncRequestWaiter, log logger.Logger) *SyncRequestsHandler {
	return &SyncRequestsHandler{queue: queue, waiter: waiter, log: log}
}

// Create enqueues a request for the user in the body, or the X-USER-ID header
// when the body leaves it empty. With wait set, it blocks until the request
// is terminal and answers 202 with status "unknown" if it never got there.
func (h *SyncRequestsHandler) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "SyncRequestsHandler.Create")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		var request dto.EnqueueSyncRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			h.respondWithError(c, span, http.StatusBadRequest, "Invalid request format", err)
			return
		}

		request.UserID = strings.TrimSpace(request.UserID)
		if request.UserID == "" {
			request.UserID = utils.GetUserIdFromContext(ctx)
		}
		if errs := validateEnqueueRequest(&request); errs.HasErrors() {
			tracing.TraceErr(span, errs)
			c.JSON(http.StatusBadRequest, errs)
			return
		}
		tracing.TagUser(span, request.UserID)

		syncRequest, err := h.queue.Enqueue(ctx, request.UserID)
		if err != nil {
			if errors.Is(err, mailsyncerrors.ErrUserIDNotSet) {
				h.respondWithError(c, span, http.StatusBadRequest, "userId is required", err)
				return
			}
			h.respondWithError(c, span, http.StatusInternalServerError, "Failed to enqueue sync request", err)
			return
		}
		tracing.TagSyncRequest(span, syncRequest.ID)
		h.log.Infof("Enqueued sync request %s for user %s", syncRequest.ID, syncRequest.UserID)

		if !request.Wait {
			c.JSON(http.StatusAccepted, dto.NewSyncRequestResponse(syncRequest))
			return
		}

		finished, status, err := h.waiter.Wait(ctx, syncRequest.ID)
		if err != nil {
			h.respondWithError(c, span, http.StatusInternalServerError, "Failed to read sync request", err)
			return
		}
		if finished == nil {
			finished = syncRequest
		}
		response := dto.NewSyncRequestResponse(finished)
		response.Status = status
		if status == enum.SyncRequestUnknown {
			c.JSON(http.StatusAccepted, response)
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

func (h *SyncRequestsHandler) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "SyncRequestsHandler.Get")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		id := c.Param("id")
		tracing.TagSyncRequest(span, id)

		syncRequest, err := h.queue.Get(ctx, id)
		if err != nil {
			if errors.Is(err, mailsyncerrors.ErrSyncRequestNotFound) {
				h.respondWithError(c, span, http.StatusNotFound, "Sync request not found", err)
				return
			}
			h.respondWithError(c, span, http.StatusInternalServerError, "Failed to read sync request", err)
			return
		}

		c.JSON(http.StatusOK, dto.NewSyncRequestResponse(syncRequest))
	}
}

func (h *SyncRequestsHandler) respondWithError(c *gin.Context, span opentracing.Span, statusCode int, message string, err error) {
	tracing.TraceErr(span, err)
	body := gin.H{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(statusCode, body)
}

func validateEnqueueRequest(request *dto.EnqueueSyncRequest) *custom_err.MultiErrors {
	errs := custom_err.NewMultiErrors()
	if request.UserID == "" {
		errs.Add("userId", "provide the user whose mailboxes should be synced", mailsyncerrors.ErrUserIDNotSet)
	}
	if len(request.UserID) > 100 {
		errs.Add("userId", "userId must be at most 100 characters", errors.New("userId too long"))
	}
	return errs
}
