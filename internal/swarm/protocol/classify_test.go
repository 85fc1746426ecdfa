package protocol

import "testing"

func TestClassifyStaticRoutes(t *testing.T) {
	cases := []struct {
		method, path string
		want         MessageType
	}{
		{"GET", "/api/v1/health", TypeHealthCheck},
		{"GET", "/api/v1/work?id=drone-1", TypeWorkRequest},
		{"POST", "/api/v1/register", TypeRegister},
		{"POST", "/api/v1/complete", TypeComplete},
		{"GET", "/api/v1/protocol", TypeProtocolQuery},
		{"GET", "/unknown/path", TypeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.method, c.path); got != c.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", c.method, c.path, got, c.want)
		}
	}
}

func TestClassifyDynamicNodeRoutes(t *testing.T) {
	if got := Classify("POST", "/api/v1/nodes/drone-1/pause"); got != TypeNodePause {
		t.Fatalf("expected node_pause, got %s", got)
	}
	if got := Classify("POST", "/api/v1/nodes/drone-1/resume/"); got != TypeNodeResume {
		t.Fatalf("expected node_resume with trailing slash stripped, got %s", got)
	}
	if got := Classify("DELETE", "/api/v1/nodes/drone-1"); got != TypeNodeDelete {
		t.Fatalf("expected node_delete, got %s", got)
	}
}

func TestExtractPullsRegisterID(t *testing.T) {
	fields := Extract(TypeRegister, nil, []byte(`{"id":"drone-1","name":"a"}`), nil)
	if fields.DroneID != "drone-1" {
		t.Fatalf("expected drone id extracted, got %q", fields.DroneID)
	}
}

func TestExtractToleratesMalformedJSON(t *testing.T) {
	fields := Extract(TypeComplete, nil, []byte(`not json`), nil)
	if fields.DroneID != "" || fields.Package != "" {
		t.Fatalf("expected empty fields for malformed body, got %+v", fields)
	}
}
