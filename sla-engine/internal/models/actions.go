package models

import (
	"encoding/json"
	"fmt"
)

type ActionType string

const (
	ActionReassign       ActionType = "Reassign"
	ActionNotify         ActionType = "Notify"
	ActionChangePriority ActionType = "ChangePriority"
	ActionAddComment     ActionType = "AddComment"
	ActionCreateAlert    ActionType = "CreateAlert"
	ActionTriggerWebhook ActionType = "TriggerWebhook"
)

// ActionParams is implemented by exactly one struct per ActionType.
type ActionParams interface {
	ActionType() ActionType
}

type ReassignParams struct {
	UserID string `json:"userId,omitempty" validate:"required_without=Role"`
	Role   string `json:"role,omitempty" validate:"required_without=UserID"`
}

type NotifyParams struct {
	Template   string   `json:"template" validate:"required"`
	Recipients []string `json:"recipients" validate:"required,min=1,dive,required"`
	Channel    string   `json:"channel,omitempty" validate:"omitempty,oneof=email sms slack in_app"`
}

type ChangePriorityParams struct {
	Priority Priority `json:"priority" validate:"required,priority"`
}

type AddCommentParams struct {
	Body string `json:"body" validate:"required,max=4000"`
}

type CreateAlertParams struct {
	Severity string `json:"severity" validate:"required,oneof=info warning critical"`
	Message  string `json:"message" validate:"required"`
}

type TriggerWebhookParams struct {
	URL            string          `json:"url" validate:"required,url"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty" validate:"gte=0,lte=120"`
}

func (ReassignParams) ActionType() ActionType       { return ActionReassign }
func (NotifyParams) ActionType() ActionType         { return ActionNotify }
func (ChangePriorityParams) ActionType() ActionType { return ActionChangePriority }
func (AddCommentParams) ActionType() ActionType     { return ActionAddComment }
func (CreateAlertParams) ActionType() ActionType    { return ActionCreateAlert }
func (TriggerWebhookParams) ActionType() ActionType { return ActionTriggerWebhook }

type EscalationAction struct {
	ID     string       `json:"id"`
	RuleID string       `json:"ruleId"`
	Order  int          `json:"order"`
	Active bool         `json:"active"`
	Params ActionParams `json:"-"`
}

// Type reports the action's type, or "" when Params is unset.
func (a EscalationAction) Type() ActionType {
	if a.Params == nil {
		return ""
	}
	return a.Params.ActionType()
}

type actionJSON struct {
	ID     string          `json:"id"`
	RuleID string          `json:"ruleId"`
	Type   ActionType      `json:"type"`
	Order  int             `json:"order"`
	Active bool            `json:"active"`
	Params json.RawMessage `json:"params"`
}

func (a EscalationAction) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionJSON{
		ID:     a.ID,
		RuleID: a.RuleID,
		Type:   a.Type(),
		Order:  a.Order,
		Active: a.Active,
		Params: params,
	})
}

func (a *EscalationAction) UnmarshalJSON(b []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	params, err := DecodeActionParams(raw.Type, raw.Params)
	if err != nil {
		return err
	}
	*a = EscalationAction{
		ID:     raw.ID,
		RuleID: raw.RuleID,
		Order:  raw.Order,
		Active: raw.Active,
		Params: params,
	}
	return nil
}

// DecodeActionParams builds the typed params variant for t from its JSON form.
func DecodeActionParams(t ActionType, raw json.RawMessage) (ActionParams, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	var (
		params ActionParams
		err    error
	)
	switch t {
	case ActionReassign:
		var p ReassignParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionNotify:
		var p NotifyParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionChangePriority:
		var p ChangePriorityParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionAddComment:
		var p AddCommentParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionCreateAlert:
		var p CreateAlertParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionTriggerWebhook:
		var p TriggerWebhookParams
		err = json.Unmarshal(raw, &p)
		params = p
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", t, err)
	}
	return params, nil
}
