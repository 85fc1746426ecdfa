package protocol

import (
	"encoding/json"
	"strings"
)

// MessageType enumerates the classifier's output vocabulary.
type MessageType string

const (
	TypeWorkRequest   MessageType = "work_request"
	TypeRegister      MessageType = "register"
	TypeComplete      MessageType = "complete"
	TypeStatusQuery   MessageType = "status_query"
	TypeNodeList      MessageType = "node_list"
	TypeEventsQuery   MessageType = "events_query"
	TypeQueue         MessageType = "queue"
	TypeControl       MessageType = "control"
	TypeHealthCheck   MessageType = "health_check"
	TypeDiscovery     MessageType = "discovery"
	TypeNodePause     MessageType = "node_pause"
	TypeNodeResume    MessageType = "node_resume"
	TypeNodeDelete    MessageType = "node_delete"
	TypeProtocolQuery MessageType = "protocol_query"
	TypeProvisioning  MessageType = "provisioning"
	TypeUnknown       MessageType = "unknown"
)

// route is one classifier rule. A path segment written as "*" matches any
// one segment, the way node pause/resume/delete routes match the node id.
type route struct {
	method string
	path   string
	typ    MessageType
}

var routes = []route{
	{"GET", "/api/v1/health", TypeHealthCheck},
	{"GET", "/api/v1/nodes", TypeNodeList},
	{"GET", "/api/v1/orchestrator", TypeDiscovery},
	{"GET", "/api/v1/work", TypeWorkRequest},
	{"GET", "/api/v1/status", TypeStatusQuery},
	{"GET", "/api/v1/history", TypeStatusQuery},
	{"GET", "/api/v1/events", TypeEventsQuery},
	{"GET", "/api/v1/protocol", TypeProtocolQuery},
	{"GET", "/api/v1/protocol/detail", TypeProtocolQuery},
	{"GET", "/api/v1/protocol/stats", TypeProtocolQuery},
	{"GET", "/api/v1/protocol/density", TypeProtocolQuery},
	{"GET", "/api/v1/protocol/snapshot", TypeProtocolQuery},
	{"POST", "/api/v1/register", TypeRegister},
	{"POST", "/api/v1/complete", TypeComplete},
	{"POST", "/api/v1/queue", TypeQueue},
	{"POST", "/api/v1/control", TypeControl},
	{"POST", "/api/v1/provisioning", TypeProvisioning},
	{"POST", "/api/v1/nodes/*/pause", TypeNodePause},
	{"POST", "/api/v1/nodes/*/resume", TypeNodeResume},
	{"DELETE", "/api/v1/nodes/*", TypeNodeDelete},
}

// normalizePath strips a trailing slash and any query string.
func normalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// Classify maps a request's method and path to a message type. Dynamic
// segments (node ids, names) are matched positionally against routes
// carrying a "*" wildcard.
func Classify(method, path string) MessageType {
	path = normalizePath(path)
	segments := strings.Split(strings.Trim(path, "/"), "/")

	for _, r := range routes {
		if r.method != method {
			continue
		}
		rSegments := strings.Split(strings.Trim(r.path, "/"), "/")
		if len(rSegments) != len(segments) {
			continue
		}
		match := true
		for i, seg := range rSegments {
			if seg == "*" {
				continue
			}
			if seg != segments[i] {
				match = false
				break
			}
		}
		if match {
			return r.typ
		}
	}
	return TypeUnknown
}

// ExtractedFields holds the per-type fields pulled from a request/response
// pair for indexed-column storage.
type ExtractedFields struct {
	DroneID string
	Package string
}

// Extract pulls the fields the classifier's type calls for out of the
// query string and JSON bodies. Malformed JSON is tolerated: extraction
// degrades to empty fields rather than failing the log entry.
func Extract(typ MessageType, query map[string]string, reqBody, respBody []byte) ExtractedFields {
	var fields ExtractedFields

	switch typ {
	case TypeWorkRequest:
		fields.DroneID = query["id"]
		fields.Package = jsonString(respBody, "package")
	case TypeRegister:
		fields.DroneID = jsonString(reqBody, "id")
	case TypeComplete:
		fields.DroneID = jsonString(reqBody, "id")
		fields.Package = jsonString(reqBody, "package")
	case TypeNodePause, TypeNodeResume, TypeNodeDelete:
		fields.DroneID = query["id"]
	case TypeControl:
		fields.DroneID = jsonString(reqBody, "drone_id")
	}

	return fields
}

func jsonString(body []byte, key string) string {
	if len(body) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
