// ABOUTME: HTTP API handlers for delegate registration, heartbeats, task polling and task submission
// ABOUTME: Account identity comes from the bearer token; paths carry delegate and task IDs

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/quayside/delegate-broker/internal/capability"
	"github.com/quayside/delegate-broker/internal/lifecycle"
	"github.com/quayside/delegate-broker/internal/liveness"
	"github.com/quayside/delegate-broker/internal/registry"
	"github.com/quayside/delegate-broker/internal/store"
)

// RegisterRequest is the JSON body for POST /api/delegates/register.
type RegisterRequest struct {
	HostName     string   `json:"host_name"`
	GroupName    string   `json:"group_name"`
	DelegateType string   `json:"delegate_type"`
	ProfileID    string   `json:"profile_id,omitempty"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	IP           string   `json:"ip,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	NG           bool     `json:"ng,omitempty"`
	PollingMode  bool     `json:"polling_mode,omitempty"`
}

// RegisterResponse is the JSON response for POST /api/delegates/register.
type RegisterResponse struct {
	DelegateID   string `json:"delegate_id,omitempty"`
	SelfDestruct bool   `json:"self_destruct,omitempty"`
}

// DelegateResponse is one delegate row in GET /api/delegates.
type DelegateResponse struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	HostName      string   `json:"host_name"`
	GroupName     string   `json:"group_name"`
	DelegateType  string   `json:"delegate_type"`
	ProfileID     string   `json:"profile_id,omitempty"`
	Version       string   `json:"version,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	LastHeartbeat string   `json:"last_heartbeat,omitempty"`
}

// HeartbeatRequest is the JSON body for POST /api/delegates/{id}/heartbeat.
type HeartbeatRequest struct {
	ConnectionID string `json:"connection_id"`
	Version      string `json:"version,omitempty"`
	Location     string `json:"location,omitempty"`
}

// ApprovalRequest carries the approval decision for a waiting delegate.
type ApprovalRequest struct {
	Action string `json:"action"`
}

// CapabilityRequirementRequest is one declared prerequisite of a task.
type CapabilityRequirementRequest struct {
	Type       string `json:"type"`
	Parameters string `json:"parameters"`
}

// TaskRequest is the JSON body for POST /api/tasks.
type TaskRequest struct {
	ID                     string                         `json:"id,omitempty"`
	Rank                   string                         `json:"rank,omitempty"`
	TaskType               string                         `json:"task_type"`
	Payload                json.RawMessage                `json:"payload,omitempty"`
	TimeoutSeconds         int                            `json:"timeout_seconds,omitempty"`
	WaitID                 string                         `json:"wait_id,omitempty"`
	Async                  bool                           `json:"async,omitempty"`
	Selectors              []string                       `json:"selectors,omitempty"`
	Scope                  *store.SetupScope              `json:"scope,omitempty"`
	CapabilityRequirements []CapabilityRequirementRequest `json:"capability_requirements,omitempty"`
}

// TaskResponse reports an admitted task.
type TaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskPackageResponse is the unit handed to an acquiring delegate. An empty
// task_id means "no task for you".
type TaskPackageResponse struct {
	TaskID             string          `json:"task_id,omitempty"`
	DelegateID         string          `json:"delegate_id,omitempty"`
	TaskType           string          `json:"task_type,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds     int             `json:"timeout_seconds,omitempty"`
	ValidationRequired bool            `json:"validation_required,omitempty"`
	CapabilityIDs      []string        `json:"capability_ids,omitempty"`
}

// TaskEventsResponse lists queued task IDs the delegate may try to acquire.
type TaskEventsResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// ConnectionResultsRequest reports the outcome of a validation round.
type ConnectionResultsRequest struct {
	Validated bool `json:"validated"`
}

// TaskResponseRequest is the delegate's terminal report for a task.
type TaskResponseRequest struct {
	Code         string          `json:"code"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// CapabilityCheckRequest forces a batch check for the listed capabilities.
type CapabilityCheckRequest struct {
	CapabilityIDs []string `json:"capability_ids"`
}

// CapabilityResultsRequest is the delegate's verdict report for a dispatched
// check.
type CapabilityResultsRequest struct {
	Results map[string]bool `json:"results"`
}

// SelectionLogResponse is one selection decision row.
type SelectionLogResponse struct {
	DelegateID string `json:"delegate_id"`
	Conclusion string `json:"conclusion"`
	Message    string `json:"message,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HostName == "" || req.GroupName == "" || req.DelegateType == "" {
		g.sendJSONError(w, http.StatusBadRequest, "host_name, group_name and delegate_type are required")
		return
	}

	result, err := g.registry.Register(r.Context(), registry.RegisterParams{
		AccountID:    accountID(r),
		HostName:     req.HostName,
		GroupName:    req.GroupName,
		DelegateType: req.DelegateType,
		ProfileID:    req.ProfileID,
		Description:  req.Description,
		Version:      req.Version,
		IP:           req.IP,
		Tags:         req.Tags,
		NG:           req.NG,
		PollingMode:  req.PollingMode,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, RegisterResponse{
		DelegateID:   result.DelegateID,
		SelfDestruct: result.SelfDestruct,
	})
}

func (g *Gateway) handleListDelegates(w http.ResponseWriter, r *http.Request) {
	delegates, err := g.registry.List(r.Context(), accountID(r))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	response := make([]DelegateResponse, 0, len(delegates))
	for _, d := range delegates {
		row := DelegateResponse{
			ID:           d.ID,
			Status:       d.Status,
			HostName:     d.HostName,
			GroupName:    d.GroupName,
			DelegateType: d.DelegateType,
			ProfileID:    d.ProfileID,
			Version:      d.Version,
			Tags:         d.Tags,
		}
		if !d.LastHeartbeat.IsZero() {
			row.LastHeartbeat = d.LastHeartbeat.Format(time.RFC3339)
		}
		response = append(response, row)
	}

	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleDeleteDelegate(w http.ResponseWriter, r *http.Request) {
	if err := g.registry.Delete(r.Context(), accountID(r), r.PathValue("delegateID")); err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := g.registry.UpdateApprovalStatus(r.Context(), accountID(r), r.PathValue("delegateID"), req.Action)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConnectionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	err := g.tracker.RegisterHeartbeat(r.Context(), accountID(r), r.PathValue("delegateID"), liveness.Heartbeat{
		ConnectionID: req.ConnectionID,
		Version:      req.Version,
		Location:     req.Location,
		At:           time.Now().UTC(),
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.metrics.Heartbeats.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := g.tracker.DelegateDisconnected(r.Context(), accountID(r), r.PathValue("delegateID")); err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	acct, delegateID := accountID(r), r.PathValue("delegateID")
	if _, err := g.store.GetDelegate(r.Context(), acct, delegateID); err != nil {
		g.writeServiceError(w, err)
		return
	}

	tasks, err := g.store.ListQueuedTasks(r.Context(), acct)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	// A delegate that already failed a task should not be hinted back to it.
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !t.HasTried(delegateID) {
			ids = append(ids, t.ID)
		}
	}
	g.writeJSON(w, http.StatusOK, TaskEventsResponse{TaskIDs: ids})
}

func (g *Gateway) handleAcquire(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pkg, err := g.coordinator.AcquireDelegateTask(r.Context(),
		accountID(r), r.PathValue("delegateID"), r.PathValue("taskID"))
	g.metrics.AcquireDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.metrics.AcquireOutcomes.WithLabelValues(acquireOutcome(pkg)).Inc()
	g.writeJSON(w, http.StatusOK, packageResponse(pkg))
}

func (g *Gateway) handleConnectionResults(w http.ResponseWriter, r *http.Request) {
	var req ConnectionResultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pkg, err := g.coordinator.ReportConnectionResults(r.Context(),
		accountID(r), r.PathValue("delegateID"), r.PathValue("taskID"), req.Validated)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, packageResponse(pkg))
}

func (g *Gateway) handleTaskResponse(w http.ResponseWriter, r *http.Request) {
	var req TaskResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		g.sendJSONError(w, http.StatusBadRequest, "code is required")
		return
	}

	err := g.coordinator.ProcessDelegateResponse(r.Context(),
		accountID(r), r.PathValue("delegateID"), r.PathValue("taskID"), lifecycle.Response{
			Code:         req.Code,
			Data:         req.Data,
			ErrorMessage: req.ErrorMessage,
		})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.metrics.TasksFinished.WithLabelValues(req.Code).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	err := g.coordinator.FailIfAllDelegatesFailed(r.Context(),
		accountID(r), r.PathValue("delegateID"), r.PathValue("taskID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleCapabilityCheck(w http.ResponseWriter, r *http.Request) {
	var req CapabilityCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.CapabilityIDs) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "capability_ids is required")
		return
	}

	err := g.matcher.ExecuteBatchCheck(r.Context(),
		accountID(r), r.PathValue("delegateID"), req.CapabilityIDs)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleCapabilityResults(w http.ResponseWriter, r *http.Request) {
	var req CapabilityResultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	delivered := g.relay.DeliverResults(r.PathValue("delegateID"), req.Results)
	if !delivered {
		// No check in flight; the report is stale.
		g.sendJSONError(w, http.StatusConflict, "no capability check in flight")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleQueueTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskType == "" {
		g.sendJSONError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	if req.Rank == "" {
		req.Rank = store.RankCritical
	}
	timeout := 10 * time.Minute
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	task := &store.DelegateTask{
		ID:        req.ID,
		AccountID: accountID(r),
		Rank:      req.Rank,
		TaskType:  req.TaskType,
		Payload:   req.Payload,
		Timeout:   timeout,
		WaitID:    req.WaitID,
		Async:     req.Async,
		Selectors: req.Selectors,
	}
	if req.Scope != nil {
		task.Scope = *req.Scope
	}

	if len(req.CapabilityRequirements) > 0 {
		reqs := make([]capability.Requirement, 0, len(req.CapabilityRequirements))
		for _, cr := range req.CapabilityRequirements {
			reqs = append(reqs, capability.Requirement{Type: cr.Type, Parameters: cr.Parameters})
		}
		ids, err := g.matcher.RecordRequirements(r.Context(), task.AccountID, reqs)
		if err != nil {
			g.writeServiceError(w, err)
			return
		}
		task.CapabilityIDs = ids
	}

	var err error
	if req.Async {
		err = g.queue.QueueTask(r.Context(), task)
	} else {
		err = g.coordinator.ScheduleSyncTask(r.Context(), task)
	}
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.metrics.TasksQueued.WithLabelValues(task.Rank).Inc()
	g.writeJSON(w, http.StatusCreated, TaskResponse{TaskID: task.ID, Status: task.Status})
}

func (g *Gateway) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	snap, err := g.queue.AbortTask(r.Context(), accountID(r), r.PathValue("taskID"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "task not found or already terminal")
		return
	}
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, TaskResponse{TaskID: snap.ID, Status: store.TaskStatusAborted})
}

func (g *Gateway) handleSelectionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := g.store.ListSelectionLogs(r.Context(), accountID(r), r.PathValue("taskID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	response := make([]SelectionLogResponse, 0, len(logs))
	for _, l := range logs {
		response = append(response, SelectionLogResponse{
			DelegateID: l.DelegateID,
			Conclusion: l.Conclusion,
			Message:    l.Message,
			CreatedAt:  l.CreatedAt.Format(time.RFC3339),
		})
	}

	g.writeJSON(w, http.StatusOK, response)
}

// packageResponse converts a task package to its JSON form; a nil package is
// the empty object, meaning "no task".
func packageResponse(pkg *lifecycle.TaskPackage) TaskPackageResponse {
	if pkg == nil {
		return TaskPackageResponse{}
	}
	return TaskPackageResponse{
		TaskID:             pkg.TaskID,
		DelegateID:         pkg.DelegateID,
		TaskType:           pkg.TaskType,
		Payload:            pkg.Payload,
		TimeoutSeconds:     int(pkg.Timeout / time.Second),
		ValidationRequired: pkg.ValidationRequired,
		CapabilityIDs:      pkg.CapabilityIDs,
	}
}

func acquireOutcome(pkg *lifecycle.TaskPackage) string {
	switch {
	case pkg == nil:
		return "miss"
	case pkg.ValidationRequired:
		return "validation"
	default:
		return "assigned"
	}
}
