package record

import (
	"fmt"

	"github.com/DarkHighness/void/errors"
)

// Control command field names. Control records arrive through the same
// decode path as data records; the annotate pipe interprets them.
const (
	ActionField = "action"
	NameField   = "name"
	ValueField  = "value"
)

// Action is an annotation-state mutation carried by a control record.
type Action int

const (
	// ActionSet installs or replaces a label overlay.
	ActionSet Action = iota
	// ActionUnset retracts an overlay without tombstoning the label.
	ActionUnset
	// ActionDelete tombstones a label so it is stripped from records.
	ActionDelete
	// ActionUndelete retracts a tombstone.
	ActionUndelete
	// ActionClear resets all overlays and tombstones.
	ActionClear
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionSet:
		return "set"
	case ActionUnset:
		return "unset"
	case ActionDelete:
		return "delete"
	case ActionUndelete:
		return "undelete"
	case ActionClear:
		return "clear"
	default:
		return "unknown"
	}
}

// ParseAction parses a wire action name. "add" and "remove" are accepted as
// aliases for "set" and "delete".
func ParseAction(s string) (Action, error) {
	switch s {
	case "set", "add":
		return ActionSet, nil
	case "unset":
		return ActionUnset, nil
	case "delete", "remove":
		return ActionDelete, nil
	case "undelete":
		return ActionUndelete, nil
	case "clear":
		return ActionClear, nil
	default:
		return ActionSet, errors.WrapInvalid(
			fmt.Errorf("%w: unknown action %q", errors.ErrMalformed, s),
			"record", "ParseAction", "parse control action")
	}
}

// ControlCommand is a parsed control record.
type ControlCommand struct {
	Action Action
	Name   string
	Value  string
}

// ParseControl interprets a record from a control upstream. The action field
// is required; name is required for everything but clear; value is required
// only for set.
func ParseControl(r Record) (ControlCommand, error) {
	actionVal, ok := r.Field(ActionField)
	if !ok {
		return ControlCommand{}, errors.WrapInvalid(
			fmt.Errorf("%w: missing %q field", errors.ErrFieldNotFound, ActionField),
			"record", "ParseControl", "parse control record")
	}

	action, err := ParseAction(actionVal.String())
	if err != nil {
		return ControlCommand{}, err
	}

	cmd := ControlCommand{Action: action}
	if action == ActionClear {
		return cmd, nil
	}

	nameVal, ok := r.Field(NameField)
	if !ok {
		return ControlCommand{}, errors.WrapInvalid(
			fmt.Errorf("%w: missing %q field for action %s", errors.ErrFieldNotFound, NameField, action),
			"record", "ParseControl", "parse control record")
	}
	cmd.Name = nameVal.String()

	if action == ActionSet {
		valueVal, ok := r.Field(ValueField)
		if !ok {
			return ControlCommand{}, errors.WrapInvalid(
				fmt.Errorf("%w: missing %q field for action %s", errors.ErrFieldNotFound, ValueField, action),
				"record", "ParseControl", "parse control record")
		}
		cmd.Value = valueVal.String()
	}

	return cmd, nil
}
