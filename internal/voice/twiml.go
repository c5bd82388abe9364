package voice

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

const sayVoice = "alice"

// Response is a TwiML document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Record captures the caller's message and posts it to Action.
type Record struct {
	XMLName     xml.Name `xml:"Record"`
	Action      string   `xml:"action,attr"`
	Method      string   `xml:"method,attr"`
	MaxLength   int      `xml:"maxLength,attr"`
	Timeout     int      `xml:"timeout,attr"`
	FinishOnKey string   `xml:"finishOnKey,attr"`
	PlayBeep    bool     `xml:"playBeep,attr"`
}

// Gather collects DTMF digits and posts them to Action.
type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr"`
	NumDigits int      `xml:"numDigits,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Timeout   int      `xml:"timeout,attr"`
	Prompt    []Say
}

// Redirect hands control to another TwiML URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func say(text string) Say {
	return Say{Voice: sayVoice, Text: text}
}

// Bytes renders the document with an XML header.
func (r *Response) Bytes() []byte {
	body, err := xml.Marshal(r)
	if err != nil {
		// only reachable with a verb type that cannot be marshalled
		return []byte(xml.Header + "<Response><Hangup/></Response>")
	}
	return append([]byte(xml.Header), body...)
}

// IncomingCall greets a caller and records their report.
func IncomingCall(hotline, recordingAction string) *Response {
	return &Response{Verbs: []any{
		say(fmt.Sprintf("Hello, you have reached the %s. Please describe your incident clearly after the beep. Press star when finished.", hotline)),
		Record{
			Action:      recordingAction,
			Method:      "POST",
			MaxLength:   60,
			Timeout:     10,
			FinishOnKey: "*",
			PlayBeep:    true,
		},
		say("Thank you. Your incident has been recorded and will be processed immediately. Goodbye."),
		Hangup{},
	}}
}

// RecordingAck confirms a received recording and ends the call.
func RecordingAck() *Response {
	return &Response{Verbs: []any{
		say("Thank you. Your incident has been recorded and will be processed immediately. Goodbye."),
		Hangup{},
	}}
}

// Empty is the no-op document for status callbacks.
func Empty() *Response {
	return &Response{}
}

// EscalationCall briefs the on-call responder and gathers a single digit.
func EscalationCall(inc *incident.Incident, responseAction string) *Response {
	brief := fmt.Sprintf("This is an automated incident alert. A %s severity incident requires your attention. %s.",
		strings.ToLower(string(inc.Severity)), speakable(inc.Description, 300))
	verbs := []any{say(brief)}
	if s := strings.TrimSpace(inc.AISuggestion); s != "" {
		verbs = append(verbs, say("Suggested action: "+speakable(s, 400)+"."))
	}
	verbs = append(verbs,
		Gather{
			Input:     "dtmf",
			NumDigits: 1,
			Action:    responseAction,
			Method:    "POST",
			Timeout:   15,
			Prompt:    []Say{say("Press 1 to acknowledge, or 2 to escalate.")},
		},
		say("No response received. Please check your notifications. Goodbye."),
		Hangup{},
	)
	return &Response{Verbs: verbs}
}

// IncidentNotFound ends an escalation call whose incident is gone.
func IncidentNotFound() *Response {
	return &Response{Verbs: []any{
		say("The incident for this call could not be found. Please check your notifications. Goodbye."),
		Hangup{},
	}}
}

// Digit replies to the responder's keypress. Anything other than 1 or 2
// replays the briefing from retryURL, or hangs up when it is empty.
func Digit(digits, retryURL string) *Response {
	switch strings.TrimSpace(digits) {
	case "1":
		return &Response{Verbs: []any{
			say("Thank you for acknowledging this incident. Details are in Slack and Jira. Goodbye."),
			Hangup{},
		}}
	case "2":
		return &Response{Verbs: []any{
			say("This incident has been escalated to the next level. Thank you. Goodbye."),
			Hangup{},
		}}
	}
	if retryURL == "" {
		return &Response{Verbs: []any{
			say("Invalid response received. This incident remains unacknowledged. Goodbye."),
			Hangup{},
		}}
	}
	return &Response{Verbs: []any{
		say("Invalid response received."),
		Redirect{Method: "POST", URL: retryURL},
	}}
}

// speakable flattens whitespace and trims text for speech synthesis.
func speakable(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ". ")
	r := []rune(s)
	if len(r) > limit {
		return string(r[:limit])
	}
	return s
}
