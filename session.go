package driftkit

import (
	"context"
	"log/slog"
	"sync"
)

// ChatService maps chat traffic onto workflow runs: it owns sessions and
// history, resolves property references against past messages, delegates to
// the engine, and projects engine results back as chat responses. All
// operations on one chat are serialized; distinct chats proceed in parallel.
type ChatService struct {
	engine *Engine
	store  ChatStore
	logger *slog.Logger
	tracer Tracer

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
	chatRuns  map[string]string // chatId -> latest runId
}

// ChatServiceOption configures a ChatService.
type ChatServiceOption func(*ChatService)

// WithChatLogger sets the structured logger.
func WithChatLogger(l *slog.Logger) ChatServiceOption {
	return func(s *ChatService) { s.logger = l }
}

// WithChatTracer sets the span tracer.
func WithChatTracer(t Tracer) ChatServiceOption {
	return func(s *ChatService) { s.tracer = t }
}

// NewChatService creates a service over the given engine and store.
func NewChatService(engine *Engine, store ChatStore, opts ...ChatServiceOption) *ChatService {
	s := &ChatService{
		engine:    engine,
		store:     store,
		logger:    nopLogger,
		chatLocks: make(map[string]*sync.Mutex),
		chatRuns:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockChat serializes operations per chat and returns the unlock func.
func (s *ChatService) lockChat(chatID string) func() {
	s.mu.Lock()
	l, ok := s.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.chatLocks[chatID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// --- Chat execution ---

// ExecuteChat handles one user turn. A new chat starts a fresh run; a chat
// whose latest run is suspended waiting for user input resumes it; anything
// else starts a fresh run of the requested workflow.
func (s *ChatService) ExecuteChat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if _, ok := s.engine.Workflow(req.WorkflowID); !ok {
		return ChatResponse{}, NewError(KindUnknownWorkflow, "workflow %q is not registered", req.WorkflowID)
	}
	unlock := s.lockChat(req.ChatID)
	defer unlock()

	if req.ID == "" {
		req.ID = NewID()
	}
	if req.Timestamp == 0 {
		req.Timestamp = NowUnixMilli()
	}

	sess, err := s.getOrCreateLocked(ctx, req.ChatID, "", req.Language)
	if err != nil {
		return ChatResponse{}, err
	}
	if err := s.resolveDataRefs(ctx, req.ChatID, req.Properties); err != nil {
		return ChatResponse{}, err
	}
	if err := s.appendRequest(ctx, req); err != nil {
		return ChatResponse{}, err
	}

	ctx = WithRequestContext(ctx, RequestContext{ChatID: req.ChatID, WorkflowID: req.WorkflowID})
	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "chat.execute",
			Attr("chat.id", req.ChatID),
			Attr("workflow.id", req.WorkflowID))
		defer span.End()
	}
	values := propertyValues(req.Properties)

	var result EngineResult
	if messageID, ok := s.pendingUserInput(ctx, req.ChatID); ok {
		result, err = s.engine.Resume(ctx, messageID, values)
	} else {
		result, err = s.engine.Execute(ctx, req.WorkflowID, req.ChatID, values)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "chat turn failed",
			slog.String("chatId", req.ChatID),
			slog.String("workflowId", req.WorkflowID),
			slog.String("kind", string(KindOf(err))))
		return ChatResponse{}, err
	}

	s.mu.Lock()
	s.chatRuns[req.ChatID] = result.RunID
	s.mu.Unlock()

	resp := s.projectResult(req.ChatID, result)
	if err := s.appendResponse(ctx, resp); err != nil {
		return ChatResponse{}, err
	}
	sess.LastMessageTime = resp.Timestamp
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return ChatResponse{}, WrapError(KindInfrastructure, err, "save session %q", sess.ChatID)
	}
	return resp, nil
}

// ResumeChat feeds user input back into a suspended run.
func (s *ChatService) ResumeChat(ctx context.Context, messageID string, req ChatRequest) (ChatResponse, error) {
	unlock := s.lockChat(req.ChatID)
	defer unlock()

	if req.ID == "" {
		req.ID = NewID()
	}
	if req.Timestamp == 0 {
		req.Timestamp = NowUnixMilli()
	}
	if err := s.resolveDataRefs(ctx, req.ChatID, req.Properties); err != nil {
		return ChatResponse{}, err
	}
	if err := s.appendRequest(ctx, req); err != nil {
		return ChatResponse{}, err
	}

	ctx = WithRequestContext(ctx, RequestContext{ChatID: req.ChatID, MessageID: messageID})
	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "chat.resume",
			Attr("chat.id", req.ChatID),
			Attr("message.id", messageID))
		defer span.End()
	}
	result, err := s.engine.Resume(ctx, messageID, propertyValues(req.Properties))
	if err != nil {
		return ChatResponse{}, err
	}

	resp := s.projectResult(req.ChatID, result)
	if err := s.appendResponse(ctx, resp); err != nil {
		return ChatResponse{}, err
	}
	if sess, ok, serr := s.store.GetSession(ctx, req.ChatID); serr == nil && ok {
		sess.LastMessageTime = resp.Timestamp
		if err := s.store.SaveSession(ctx, sess); err != nil {
			return ChatResponse{}, WrapError(KindInfrastructure, err, "save session %q", sess.ChatID)
		}
	}
	return resp, nil
}

// GetAsyncStatus reports the tracked status of an async message, if any.
func (s *ChatService) GetAsyncStatus(messageID string) (ChatResponse, bool) {
	result, ok := s.engine.AsyncStatus(messageID)
	if !ok {
		return ChatResponse{}, false
	}
	resp := s.projectResult("", result)
	resp.MessageID = messageID
	return resp, true
}

// pendingUserInput reports whether the chat's latest run is suspended
// waiting for user input, returning its message id.
func (s *ChatService) pendingUserInput(ctx context.Context, chatID string) (string, bool) {
	s.mu.Lock()
	runID, ok := s.chatRuns[chatID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	run, ok, err := s.engine.RunSnapshot(ctx, runID)
	if err != nil || !ok {
		return "", false
	}
	if run.Status != RunSuspended || run.SuspendedAsync || run.SuspendedMessageID == "" {
		return "", false
	}
	return run.SuspendedMessageID, true
}

// resolveDataRefs fills each property's Data field from the most recent
// historical property whose nameId matches the reference.
func (s *ChatService) resolveDataRefs(ctx context.Context, chatID string, props []Property) error {
	var refs int
	for i := range props {
		if props[i].DataNameID != "" {
			refs++
		}
	}
	if refs == 0 {
		return nil
	}

	// History is newest first, so the first hit wins.
	page, err := s.store.Messages(ctx, chatID, PageRequest{Size: 200}, true)
	if err != nil {
		return WrapError(KindInfrastructure, err, "load history for chat %q", chatID)
	}
	for i := range props {
		ref := props[i].DataNameID
		if ref == "" {
			continue
		}
		for _, msg := range page.Items {
			found := false
			for _, p := range msg.properties() {
				if p.NameID == ref {
					props[i].Data = p.Value
					found = true
					break
				}
			}
			if found {
				break
			}
		}
	}
	return nil
}

// projectResult shapes an engine result as a chat response.
func (s *ChatService) projectResult(chatID string, result EngineResult) ChatResponse {
	resp := ChatResponse{
		ID:              NewID(),
		ChatID:          chatID,
		Completed:       result.Completed,
		PercentComplete: result.PercentComplete,
		Timestamp:       NowUnixMilli(),
	}
	switch result.Status {
	case RunFailed:
		resp.Completed = true
		resp.ErrorKind = result.ErrorKind
		resp.ErrorMessage = result.ErrorMessage
	case RunSuspended:
		resp.MessageID = result.MessageID
		resp.NextSchema = result.NextSchema
	default:
		resp.Text = result.Text
		resp.Properties = resultProperties(result.Data)
	}
	return resp
}

// resultProperties flattens a terminal step output into response properties.
func resultProperties(data any) []Property {
	values, ok := data.(map[string]string)
	if !ok {
		return nil
	}
	props := make([]Property, 0, len(values))
	for name, value := range values {
		props = append(props, Property{Name: name, Value: value})
	}
	return props
}

// propertyValues reduces properties to the engine's trigger map. A resolved
// Data reference stands in when the literal value is empty.
func propertyValues(props []Property) map[string]string {
	if len(props) == 0 {
		return nil
	}
	values := make(map[string]string, len(props))
	for _, p := range props {
		v := p.Value
		if v == "" && p.Data != "" {
			v = p.Data
		}
		values[p.Name] = v
	}
	return values
}

func (s *ChatService) appendRequest(ctx context.Context, req ChatRequest) error {
	msg := ChatMessage{
		ID:        req.ID,
		ChatID:    req.ChatID,
		Type:      MessageUser,
		Timestamp: req.Timestamp,
		Request:   &req,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return WrapError(KindInfrastructure, err, "append request to chat %q", req.ChatID)
	}
	return nil
}

func (s *ChatService) appendResponse(ctx context.Context, resp ChatResponse) error {
	msg := ChatMessage{
		ID:        resp.ID,
		ChatID:    resp.ChatID,
		Type:      MessageAI,
		Timestamp: resp.Timestamp,
		Response:  &resp,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return WrapError(KindInfrastructure, err, "append response to chat %q", resp.ChatID)
	}
	return nil
}

// --- Sessions ---

// GetOrCreateSession returns the chat's session, creating it on first use.
func (s *ChatService) GetOrCreateSession(ctx context.Context, chatID, userID, language string) (ChatSession, error) {
	unlock := s.lockChat(chatID)
	defer unlock()
	return s.getOrCreateLocked(ctx, chatID, userID, language)
}

func (s *ChatService) getOrCreateLocked(ctx context.Context, chatID, userID, language string) (ChatSession, error) {
	sess, ok, err := s.store.GetSession(ctx, chatID)
	if err != nil {
		return ChatSession{}, WrapError(KindInfrastructure, err, "load session %q", chatID)
	}
	if ok {
		return sess, nil
	}
	sess = ChatSession{
		ChatID:    chatID,
		UserID:    userID,
		Language:  language,
		CreatedAt: NowUnixMilli(),
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return ChatSession{}, WrapError(KindInfrastructure, err, "save session %q", chatID)
	}
	return sess, nil
}

// CreateChatSession registers a session explicitly.
func (s *ChatService) CreateChatSession(ctx context.Context, sess ChatSession) (ChatSession, error) {
	if sess.ChatID == "" {
		sess.ChatID = NewID()
	}
	unlock := s.lockChat(sess.ChatID)
	defer unlock()
	if _, ok, err := s.store.GetSession(ctx, sess.ChatID); err != nil {
		return ChatSession{}, WrapError(KindInfrastructure, err, "load session %q", sess.ChatID)
	} else if ok {
		return ChatSession{}, NewError(KindValidation, "chat %q already exists", sess.ChatID)
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = NowUnixMilli()
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return ChatSession{}, WrapError(KindInfrastructure, err, "save session %q", sess.ChatID)
	}
	return sess, nil
}

// GetChatSession looks up a session by id.
func (s *ChatService) GetChatSession(ctx context.Context, chatID string) (ChatSession, error) {
	sess, ok, err := s.store.GetSession(ctx, chatID)
	if err != nil {
		return ChatSession{}, WrapError(KindInfrastructure, err, "load session %q", chatID)
	}
	if !ok {
		return ChatSession{}, NewError(KindNotFound, "chat %q not found", chatID)
	}
	return sess, nil
}

// ArchiveChatSession marks a session archived; its history stays readable.
func (s *ChatService) ArchiveChatSession(ctx context.Context, chatID string) error {
	unlock := s.lockChat(chatID)
	defer unlock()
	sess, ok, err := s.store.GetSession(ctx, chatID)
	if err != nil {
		return WrapError(KindInfrastructure, err, "load session %q", chatID)
	}
	if !ok {
		return NewError(KindNotFound, "chat %q not found", chatID)
	}
	sess.Archived = true
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return WrapError(KindInfrastructure, err, "save session %q", chatID)
	}
	return nil
}

// ListChatsForUser pages a user's sessions, most recently active first.
func (s *ChatService) ListChatsForUser(ctx context.Context, userID string, req PageRequest, includeArchived bool) (Page[ChatSession], error) {
	page, err := s.store.ListSessions(ctx, userID, req, includeArchived)
	if err != nil {
		return Page[ChatSession]{}, WrapError(KindInfrastructure, err, "list sessions for user %q", userID)
	}
	return page, nil
}

// GetChatHistory pages a chat's messages newest first.
func (s *ChatService) GetChatHistory(ctx context.Context, chatID string, req PageRequest, includeContext bool) (Page[ChatMessage], error) {
	if _, ok, err := s.store.GetSession(ctx, chatID); err != nil {
		return Page[ChatMessage]{}, WrapError(KindInfrastructure, err, "load session %q", chatID)
	} else if !ok {
		return Page[ChatMessage]{}, NewError(KindNotFound, "chat %q not found", chatID)
	}
	page, err := s.store.Messages(ctx, chatID, req, includeContext)
	if err != nil {
		return Page[ChatMessage]{}, WrapError(KindInfrastructure, err, "load history for chat %q", chatID)
	}
	return page, nil
}

// --- Projections ---

// ConvertMessageToTasks projects one message into UI tasks: one task per
// property that carries a nameId, in property order, each keeping the
// source response's next schema.
func ConvertMessageToTasks(msg ChatMessage) []ChatMessageTask {
	var next *SchemaRef
	if msg.Response != nil {
		next = msg.Response.NextSchema
	}
	var tasks []ChatMessageTask
	for _, p := range msg.properties() {
		if p.NameID == "" {
			continue
		}
		tasks = append(tasks, ChatMessageTask{
			Name:        p.Name,
			NameID:      p.NameID,
			Value:       p.Value,
			Type:        p.Type,
			MultiSelect: p.MultiSelect,
			NextSchema:  next,
		})
	}
	return tasks
}

// --- Workflow metadata ---

// WorkflowInfo is the read-only projection of a registered workflow.
type WorkflowInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	InitialStep string   `json:"initialStep"`
	StepIDs     []string `json:"stepIds"`
}

// ListWorkflows returns metadata for every registered workflow.
func (s *ChatService) ListWorkflows() []WorkflowInfo {
	ids := s.engine.WorkflowIDs()
	infos := make([]WorkflowInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := s.GetWorkflowDetails(id); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// GetWorkflowDetails describes one workflow.
func (s *ChatService) GetWorkflowDetails(workflowID string) (WorkflowInfo, error) {
	wf, ok := s.engine.Workflow(workflowID)
	if !ok {
		return WorkflowInfo{}, NewError(KindUnknownWorkflow, "workflow %q is not registered", workflowID)
	}
	info := WorkflowInfo{
		ID:          wf.ID,
		Description: wf.Description,
		StepIDs:     wf.StepIDs(),
	}
	if initial := wf.InitialStep(); initial != nil {
		info.InitialStep = initial.ID
	}
	return info, nil
}

// GetInitialSchema returns the input schema of the workflow's initial step,
// or nil when the initial step takes a free-form trigger.
func (s *ChatService) GetInitialSchema(workflowID string) (*Schema, error) {
	wf, ok := s.engine.Workflow(workflowID)
	if !ok {
		return nil, NewError(KindUnknownWorkflow, "workflow %q is not registered", workflowID)
	}
	initial := wf.InitialStep()
	if initial == nil || initial.InputSchema == "" {
		return nil, nil
	}
	schema, ok := s.engine.schemas.SchemaByID(initial.InputSchema)
	if !ok {
		return nil, NewError(KindNotFound, "schema %q is not registered", initial.InputSchema)
	}
	return &schema, nil
}

// GetWorkflowSchemas returns every schema referenced by the workflow's
// steps, in step order, deduplicated.
func (s *ChatService) GetWorkflowSchemas(workflowID string) ([]Schema, error) {
	wf, ok := s.engine.Workflow(workflowID)
	if !ok {
		return nil, NewError(KindUnknownWorkflow, "workflow %q is not registered", workflowID)
	}
	seen := make(map[string]bool)
	var schemas []Schema
	for _, id := range wf.StepIDs() {
		step, _ := wf.Step(id)
		for _, ref := range []string{step.InputSchema, step.OutputSchema} {
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			if schema, ok := s.engine.schemas.SchemaByID(ref); ok {
				schemas = append(schemas, schema)
			}
		}
	}
	return schemas, nil
}
