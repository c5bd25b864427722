// Copyright 2021-2022 The sockroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/push"
	"github.com/alwitt/sockroute/rooms"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the router is ready to serve
type ReadinessCheck func() (bool, error)

// APIRestManagementHandler REST handler for router management
type APIRestManagementHandler struct {
	goutils.RestAPIHandler
	engine   push.Engine
	rooms    rooms.Manager
	ready    ReadinessCheck
	validate *validator.Validate
}

// GetAPIRestManagementHandler define APIRestManagementHandler
//
// engine is nil when push delivery is disabled. ready is optional.
func GetAPIRestManagementHandler(
	engine push.Engine,
	roomManager rooms.Manager,
	ready ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestManagementHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "management",
	}
	if roomManager == nil {
		return APIRestManagementHandler{}, fmt.Errorf("room manager is required")
	}
	return APIRestManagementHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		engine:         engine,
		rooms:          roomManager,
		ready:          ready,
		validate:       validator.New(),
	}, nil
}

// Write logging support
func (h APIRestManagementHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// pushDisabled write the response for push endpoints when push delivery is disabled.
// Returns true if the response was written.
func (h APIRestManagementHandler) pushDisabled(w http.ResponseWriter, r *http.Request) bool {
	if h.engine != nil {
		return false
	}
	msg := "Push delivery is disabled"
	if err := h.WriteRESTResponse(
		w,
		http.StatusServiceUnavailable,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, ""),
		nil,
	); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
	return true
}

// -----------------------------------------------------------------------

// PutSubscription godoc
// @Summary Store push subscription
// @Description Insert or replace the push subscription of a subscriber
// @tags Push
// @Accept json
// @Produce json
// @Param Sockroute-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Param subscription body push.SubscriptionRecord true "Push subscription"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/subscription/{subscriberID} [put]
func (h APIRestManagementHandler) PutSubscription(w http.ResponseWriter, r *http.Request) {
	if h.pushDisabled(w, r) {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID := mux.Vars(r)["subscriberID"]
	if subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var record push.SubscriptionRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&record); err != nil {
		msg := "Invalid push subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.engine.Add(r.Context(), subscriberID, record); err != nil {
		msg := fmt.Sprintf("Unable to store subscription of %s", subscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PutSubscriptionHandler Wrapper around PutSubscription
func (h APIRestManagementHandler) PutSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PutSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteSubscription godoc
// @Summary Delete push subscription
// @Description Remove the push subscription of a subscriber
// @tags Push
// @Produce json
// @Param Sockroute-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/subscription/{subscriberID} [delete]
func (h APIRestManagementHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if h.pushDisabled(w, r) {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriberID := mux.Vars(r)["subscriberID"]
	if subscriberID == "" {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.engine.Delete(r.Context(), subscriberID); err != nil {
		msg := fmt.Sprintf("Unable to delete subscription of %s", subscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteSubscriptionHandler Wrapper around DeleteSubscription
func (h APIRestManagementHandler) DeleteSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqNotification push notification parameters
type APIRestReqNotification struct {
	// SubscriberID if set, only this subscriber is notified
	SubscriberID string `json:"subscriber_id,omitempty"`
	// Payload is the notification payload
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// SendNotification godoc
// @Summary Send push notification
// @Description Send a push notification to one subscriber, or every subscriber
// @tags Push
// @Accept json
// @Produce json
// @Param Sockroute-Request-ID header string false "User provided request ID to match against logs"
// @Param notification body APIRestReqNotification true "Notification"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/notification [post]
func (h APIRestManagementHandler) SendNotification(w http.ResponseWriter, r *http.Request) {
	if h.pushDisabled(w, r) {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqNotification
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if params.SubscriberID == "" {
		if err := h.engine.SendToAll(r.Context(), params.Payload); err != nil {
			msg := "Unable to send notification"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	} else if err := h.engine.SendToOne(
		r.Context(), params.SubscriberID, params.Payload,
	); err != nil {
		msg := fmt.Sprintf("Unable to notify %s", params.SubscriberID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadGateway
		if errors.Is(err, push.ErrSubscriptionNotFound) {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SendNotificationHandler Wrapper around SendNotification
func (h APIRestManagementHandler) SendNotificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendNotification(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespPushMetrics response for reading the push delivery metrics
type APIRestRespPushMetrics struct {
	goutils.RestAPIBaseResponse
	// Metrics the delivery metrics
	Metrics push.Metrics `json:"metrics"`
}

// GetPushMetrics godoc
// @Summary Query push delivery metrics
// @Description Read the successful, failed, and retried delivery counters
// @tags Push
// @Produce json
// @Param Sockroute-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespPushMetrics "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/metrics [get]
func (h APIRestManagementHandler) GetPushMetrics(w http.ResponseWriter, r *http.Request) {
	if h.pushDisabled(w, r) {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespPushMetrics{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Metrics: h.engine.Metrics(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetPushMetricsHandler Wrapper around GetPushMetrics
func (h APIRestManagementHandler) GetPushMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPushMetrics(w, r)
	}
}

// ResetPushMetrics godoc
// @Summary Reset push delivery metrics
// @Description Zero the successful, failed, and retried delivery counters
// @tags Push
// @Produce json
// @Param Sockroute-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/metrics [delete]
func (h APIRestManagementHandler) ResetPushMetrics(w http.ResponseWriter, r *http.Request) {
	if h.pushDisabled(w, r) {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	h.engine.ResetMetrics()
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ResetPushMetricsHandler Wrapper around ResetPushMetrics
func (h APIRestManagementHandler) ResetPushMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ResetPushMetrics(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRoomInfo response for querying one room
type APIRestRespRoomInfo struct {
	goutils.RestAPIBaseResponse
	// Channel is the channel the room belongs to
	Channel string `json:"channel"`
	// Room is the room name
	Room string `json:"room"`
	// Members are the IDs of the connections in the room
	Members []string `json:"members"`
}

// GetRoom godoc
// @Summary Query one room
// @Description Query the members of a channel's room
// @tags Rooms
// @Produce json
// @Param Sockroute-Request-ID header string false "User provided request ID to match against logs"
// @Param channel path string true "Channel name"
// @Param room path string true "Room name"
// @Success 200 {object} APIRestRespRoomInfo "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/rooms/{channel}/{room} [get]
func (h APIRestManagementHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	channelName := vars["channel"]
	roomName := vars["room"]
	members := h.rooms.Snapshot(channelName, roomName)
	if len(members) == 0 {
		msg := fmt.Sprintf("Room %s not found", rooms.Key(channelName, roomName))
		log.WithFields(localLogTags).Debug(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, "")
		return
	}
	memberIDs := make([]string, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.ID())
	}
	sort.Strings(memberIDs)

	respCode = http.StatusOK
	respBody = APIRestRespRoomInfo{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Channel: channelName,
		Room:    roomName,
		Members: memberIDs,
	}
}

// GetRoomHandler Wrapper around GetRoom
func (h APIRestManagementHandler) GetRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRoom(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the router is ready for use
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready == nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
		return
	}
	ready, err := h.ready()
	switch {
	case err != nil:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	case !ready:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, "")
	default:
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
