// Package lifecycle models Auto Scaling lifecycle notifications delivered over SNS.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
)

// Transition is the LifecycleTransition value of a lifecycle notification.
type Transition string

// Transitions emitted by Auto Scaling lifecycle hooks.
const (
	TransitionLaunching   Transition = "autoscaling:EC2_INSTANCE_LAUNCHING"
	TransitionTerminating Transition = "autoscaling:EC2_INSTANCE_TERMINATING"
	TransitionLaunchError Transition = "autoscaling:EC2_INSTANCE_LAUNCH_ERROR"
)

// Operation is the DNS change applied for a transition.
// Values match route53 ChangeAction.
type Operation string

const (
	OperationUpsert Operation = "UPSERT"
	OperationDelete Operation = "DELETE"
)

var (
	// ErrUnknownTransition is returned for a transition that maps to no DNS operation.
	ErrUnknownTransition = errors.New("unknown lifecycle transition")
	// ErrEmptyMessage is returned when an SNS record carries no message body.
	ErrEmptyMessage = errors.New("empty sns message")
)

// Message is the JSON payload Auto Scaling publishes to SNS.
//
//	{
//	  "AutoScalingGroupName": "asg1",
//	  "Service": "AWS Auto Scaling",
//	  "Time": "2024-01-01T00:00:00.000Z",
//	  "AccountId": "123456789012",
//	  "LifecycleTransition": "autoscaling:EC2_INSTANCE_LAUNCHING",
//	  "RequestId": "…",
//	  "LifecycleActionToken": "…",
//	  "EC2InstanceId": "i-1",
//	  "LifecycleHookName": "dns"
//	}
//
// Informational notifications (autoscaling:TEST_NOTIFICATION, EC2_INSTANCE_LAUNCH, …)
// carry Event instead of LifecycleTransition.
type Message struct {
	LifecycleTransition  Transition `json:"LifecycleTransition,omitempty"`
	Event                string     `json:"Event,omitempty"`
	AutoScalingGroupName string     `json:"AutoScalingGroupName,omitempty"`
	EC2InstanceID        string     `json:"EC2InstanceId,omitempty"`
	LifecycleHookName    string     `json:"LifecycleHookName,omitempty"`
	LifecycleActionToken string     `json:"LifecycleActionToken,omitempty"`
	Service              string     `json:"Service,omitempty"`
	Time                 string     `json:"Time,omitempty"`
	AccountID            string     `json:"AccountId,omitempty"`
	RequestID            string     `json:"RequestId,omitempty"`
	NotificationMetadata string     `json:"NotificationMetadata,omitempty"`

	// hasTransition is set when the decoded JSON carried the LifecycleTransition
	// key, even with an empty value.
	hasTransition bool
}

// UnmarshalJSON decodes a message and records whether LifecycleTransition was present.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		LifecycleTransition *Transition `json:"LifecycleTransition"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*m = Message(aux.plain)
	if aux.LifecycleTransition != nil {
		m.LifecycleTransition = *aux.LifecycleTransition
		m.hasTransition = true
	}
	return nil
}

// IsLifecycle reports whether the message describes a lifecycle transition.
// A present but empty LifecycleTransition counts and fails as unknown.
func (m Message) IsLifecycle() bool {
	return m.hasTransition || m.LifecycleTransition != ""
}

// CanComplete reports whether the message has enough to complete its lifecycle action.
func (m Message) CanComplete() bool {
	return m.LifecycleHookName != "" && m.AutoScalingGroupName != ""
}

// Operation maps a transition to its DNS operation.
func (t Transition) Operation() (Operation, error) {
	switch t {
	case TransitionLaunching:
		return OperationUpsert, nil
	case TransitionTerminating, TransitionLaunchError:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransition, string(t))
	}
}

// MetricLabel returns the transition for use as a metric label. Anything
// other than a known transition collapses to "unknown".
func (t Transition) MetricLabel() string {
	switch t {
	case TransitionLaunching, TransitionTerminating, TransitionLaunchError:
		return string(t)
	default:
		return "unknown"
	}
}

// Decode parses a lifecycle message from its JSON text.
func Decode(body string) (Message, error) {
	var msg Message
	if body == "" {
		return msg, ErrEmptyMessage
	}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("decode lifecycle message: %w", err)
	}
	return msg, nil
}

// FromRecord extracts and decodes the message embedded in an SNS record.
func FromRecord(record events.SNSEventRecord) (Message, error) {
	return Decode(record.SNS.Message)
}

// NewRecord wraps a message body into an SNS record, as SNS does for Lambda.
func NewRecord(messageID, topicARN, body string) events.SNSEventRecord {
	return events.SNSEventRecord{
		EventSource:  "aws:sns",
		EventVersion: "1.0",
		SNS: events.SNSEntity{
			Type:      "Notification",
			MessageID: messageID,
			TopicArn:  topicARN,
			Message:   body,
		},
	}
}
