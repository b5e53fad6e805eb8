package magma_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/magmastream/magmastream-go/pkg/magma"
	"github.com/magmastream/magmastream-go/pkg/track"
)

func TestLoadOptionsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "magma.yaml")
	data := `
clientName: TestBot
clusterId: 2
defaultSearchPlatform: soundcloud
usePriority: true
maxPreviousTracks: 10
nodes:
  - identifier: main
    host: localhost
    port: 2333
    password: youshallnotpass
    secure: false
    retryAmount: 3
    retryDelay: 5s
    resumeStatus: true
    resumeTimeout: 120s
    priority: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := magma.LoadOptionsFile(path)
	if err != nil {
		t.Fatalf("LoadOptionsFile: %v", err)
	}
	if opts.ClientName != "TestBot" || opts.ClusterID != 2 {
		t.Errorf("ClientName/ClusterID = %q/%d", opts.ClientName, opts.ClusterID)
	}
	if opts.DefaultSearchPlatform != track.SourceSoundCloud {
		t.Errorf("DefaultSearchPlatform = %q", opts.DefaultSearchPlatform)
	}
	if len(opts.Nodes) != 1 {
		t.Fatalf("Nodes = %d, want 1", len(opts.Nodes))
	}
	n := opts.Nodes[0]
	if n.Identifier != "main" || n.Port != 2333 || time.Duration(n.RetryDelay) != 5*time.Second {
		t.Errorf("node = %+v", n)
	}
	if !n.ResumeStatus || time.Duration(n.ResumeTimeout) != 2*time.Minute {
		t.Errorf("resume config = %v/%v", n.ResumeStatus, n.ResumeTimeout)
	}
}

func TestLoadOptionsFile_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "magma.yaml")
	if err := os.WriteFile(path, []byte("unknownSetting: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := magma.LoadOptionsFile(path); err == nil {
		t.Fatal("unknown keys must be rejected")
	}
}

func TestOptionsValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	opts := magma.Options{
		Nodes: []magma.NodeOptions{
			{Identifier: "a", Host: "", Port: 0, Password: ""},
			{Identifier: "a", Host: "h", Port: 2333, Password: "pw"},
		},
	}
	err := opts.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	msg := err.Error()
	for _, want := range []string{"send callback", "host must not be empty", "duplicate node identifier"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestManagerNew_RejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	if _, err := magma.New(magma.Options{}); err == nil {
		t.Fatal("New with empty options should fail")
	}
}
