package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"convarchive/internal/archive"
	"convarchive/internal/logging"
	"convarchive/internal/store"

	"github.com/charmbracelet/log"
)

const (
	ActionSave   = "saveConversation"
	ActionList   = "getAllConversations"
	ActionExport = "exportConversations"
	ActionImport = "importConversations"
	ActionClear  = "clearAllConversations"
	ActionCheck  = "checkConversation"
	ActionDelete = "deleteConversation"
)

const (
	errNoData        = "No data provided"
	errNoRecords     = "No records provided"
	errNoID          = "No id provided"
	errInvalid       = "Invalid request"
	errInternal      = "Internal error"
	errUnknownAction = "Unknown action: %s"
)

type Request struct {
	Action         string            `json:"action"`
	Data           json.RawMessage   `json:"data,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Records        []json.RawMessage `json:"records,omitempty"`
	Merge          *bool             `json:"merge,omitempty"`
	ID             int64             `json:"id,omitempty"`
}

// Response mirrors what the browser extension expects back. Pointer fields
// are set only by the actions that produce them.
type Response struct {
	Success        bool             `json:"success"`
	Error          string           `json:"error,omitempty"`
	ConversationID *int64           `json:"conversationId,omitempty"`
	Conversations  *[]store.Summary `json:"conversations,omitempty"`
	Data           string           `json:"data,omitempty"`
	Imported       *int             `json:"imported,omitempty"`
	Rejected       *int             `json:"rejected,omitempty"`
	Exists         *bool            `json:"exists,omitempty"`
}

func Fail(msg string) *Response {
	return &Response{Success: false, Error: msg}
}

type Handler func(ctx context.Context, req *Request) (*Response, error)

// Dispatcher routes requests to the handler registered for their action.
type Dispatcher struct {
	handlers map[string]Handler
	archiver *archive.Archiver
	logger   *log.Logger
}

// NewDispatcher returns a dispatcher with every archive action registered.
func NewDispatcher(a *archive.Archiver, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		archiver: a,
		logger:   logger,
	}
	d.Register(ActionSave, d.save)
	d.Register(ActionList, d.list)
	d.Register(ActionExport, d.export)
	d.Register(ActionImport, d.importRecords)
	d.Register(ActionClear, d.clear)
	d.Register(ActionCheck, d.check)
	d.Register(ActionDelete, d.deleteRecord)
	return d
}

func (d *Dispatcher) Register(action string, h Handler) {
	d.handlers[action] = h
}

// HandleMessage decodes one raw message and dispatches it. It always returns
// a response.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) *Response {
	raw = bytes.TrimSpace(raw)
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Warn("undecodable message", "bytes", len(raw), "err", err)
		return Fail(errInvalid)
	}
	return d.Dispatch(ctx, &req)
}

// Dispatch runs the handler for req.Action. Handler errors and panics are
// turned into failed responses.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	d.logger.Debug("received message", "action", req.Action)

	h, ok := d.handlers[req.Action]
	if !ok {
		return Fail(fmt.Sprintf(errUnknownAction, req.Action))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "action", req.Action, "panic", r)
			resp = Fail(errInternal)
		}
	}()

	resp, err := h(ctx, req)
	if err != nil {
		d.logger.Error("action failed", "action", req.Action, "err", err)
		return Fail(errorMessage(err))
	}
	if resp == nil {
		resp = &Response{}
	}
	resp.Success = resp.Error == ""
	return resp
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Request cancelled"
	case errors.Is(err, store.ErrNotFound):
		return "Conversation not found"
	}
	return err.Error()
}

func (d *Dispatcher) save(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Data) == 0 || bytes.Equal(req.Data, []byte("null")) {
		return Fail(errNoData), nil
	}
	var rec store.ConversationRecord
	if err := json.Unmarshal(req.Data, &rec); err != nil {
		return nil, &archive.ValidationError{Field: "data", Reason: err.Error()}
	}
	id, err := d.archiver.Save(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &Response{ConversationID: &id}, nil
}

func (d *Dispatcher) list(ctx context.Context, _ *Request) (*Response, error) {
	summaries, err := d.archiver.Summaries(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Conversations: &summaries}, nil
}

func (d *Dispatcher) export(ctx context.Context, _ *Request) (*Response, error) {
	exp, err := d.archiver.Export(ctx)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := archive.EncodeExport(&buf, exp); err != nil {
		return nil, err
	}
	return &Response{Data: buf.String()}, nil
}

func (d *Dispatcher) importRecords(ctx context.Context, req *Request) (*Response, error) {
	if req.Records == nil {
		return Fail(errNoRecords), nil
	}
	merge := true
	if req.Merge != nil {
		merge = *req.Merge
	}
	res, err := d.archiver.ImportRaw(ctx, req.Records, merge)
	if err != nil {
		return nil, err
	}
	return &Response{Imported: &res.Imported, Rejected: &res.Rejected}, nil
}

func (d *Dispatcher) clear(ctx context.Context, _ *Request) (*Response, error) {
	return nil, d.archiver.Clear(ctx)
}

func (d *Dispatcher) check(ctx context.Context, req *Request) (*Response, error) {
	exists, err := d.archiver.Exists(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &Response{Exists: &exists}, nil
}

func (d *Dispatcher) deleteRecord(ctx context.Context, req *Request) (*Response, error) {
	if req.ID <= 0 {
		return Fail(errNoID), nil
	}
	return nil, d.archiver.Delete(ctx, req.ID)
}
