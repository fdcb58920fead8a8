package containerengine

import (
	"net"
	"strings"
	"testing"
)

func TestDeriveVolumeIDIsStableAndNamespacedByService(t *testing.T) {
	id1 := DeriveVolumeID("myapp", "/data")
	id2 := DeriveVolumeID("myapp", "/data")
	if id1 != id2 {
		t.Fatal("expected DeriveVolumeID to be deterministic")
	}

	other := DeriveVolumeID("otherapp", "/data")
	if id1 == other {
		t.Fatal("expected different services to derive different volume ids for the same path")
	}
	if len(id1) <= len("myapp-") {
		t.Fatalf("expected a hash suffix, got %q", id1)
	}
}

func TestIsLocalPortFreeDetectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if IsLocalPortFree(port) {
		t.Fatalf("expected port %d to be reported as in use", port)
	}
}

func TestDrainPullStream(t *testing.T) {
	cases := []struct {
		name    string
		stream  string
		wantErr bool
	}{
		{
			name:   "clean pull",
			stream: `{"status":"Pulling from library/nginx"}` + "\n" + `{"status":"Digest: sha256:abc"}`,
		},
		{
			name:    "in-band error field",
			stream:  `{"status":"Pulling fs layer"}` + "\n" + `{"error":"manifest unknown"}`,
			wantErr: true,
		},
		{
			name:    "error detail only",
			stream:  `{"errorDetail":{"message":"unexpected EOF from registry"}}`,
			wantErr: true,
		},
		{
			name:   "empty stream",
			stream: "",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := drainPullStream(strings.NewReader(c.stream))
			if (err != nil) != c.wantErr {
				t.Fatalf("drainPullStream() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestDigestMatches(t *testing.T) {
	digests := []string{"myimage@sha256:abc123"}
	if !digestMatches(digests, "myimage", "abc123") {
		t.Fatal("expected matching digest to be found")
	}
	if digestMatches(digests, "myimage", "def456") {
		t.Fatal("expected mismatched digest to be rejected")
	}
}
