package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/containerengine"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

// fakeCatalog is an in-memory catalogStore, standing in for statedb.DB so
// handlers can be exercised without a live Postgres connection.
type fakeCatalog struct {
	services map[string]statedb.Service
}

func newFakeCatalog(services ...statedb.Service) *fakeCatalog {
	f := &fakeCatalog{services: map[string]statedb.Service{}}
	for _, s := range services {
		f.services[s.Name] = s
	}
	return f
}

func (f *fakeCatalog) ListServices(context.Context) ([]statedb.Service, error) {
	out := make([]statedb.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeCatalog) GetService(_ context.Context, name string) (statedb.Service, error) {
	s, ok := f.services[name]
	if !ok {
		return statedb.Service{}, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	return s, nil
}

func (f *fakeCatalog) CreateService(_ context.Context, p statedb.CreateServiceParams) (statedb.Service, error) {
	if _, exists := f.services[p.Name]; exists {
		return statedb.Service{}, kiwierr.New(kiwierr.InvalidInput, "service name already taken")
	}
	now := time.Now()
	s := statedb.Service{
		Name:                 p.Name,
		ImageName:            p.ImageName,
		ImageSHA:             p.ImageSHA,
		InternalPort:         p.InternalPort,
		ExternalPort:         p.ExternalPort,
		EnvironmentVariables: p.EnvironmentVariables,
		Secrets:              p.Secrets,
		StatefulVolumePaths:  p.StatefulVolumePaths,
		GithubRepository:     p.GithubRepository,
		RequiredRole:         p.RequiredRole,
		PostgresUsername:     "kiwi_svc_0000000000",
		PostgresPassword:     "generated-postgres-password",
		RedisUsername:        "kiwi_svc_1111111111",
		RedisPassword:        "generated-redis-password",
		CreatedAt:            now,
		LastModifiedAt:       now,
		LastDeployedAt:       now,
	}
	f.services[p.Name] = s
	return s, nil
}

func (f *fakeCatalog) UpdateService(_ context.Context, p statedb.UpdateServiceParams) (statedb.Service, error) {
	s, ok := f.services[p.Name]
	if !ok {
		return statedb.Service{}, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	s.ImageName = p.ImageName
	s.ImageSHA = p.ImageSHA
	s.EnvironmentVariables = p.EnvironmentVariables
	s.Secrets = p.Secrets
	s.StatefulVolumePaths = p.StatefulVolumePaths
	s.GithubRepository = p.GithubRepository
	s.RequiredRole = p.RequiredRole
	s.LastModifiedAt = time.Now()
	s.LastDeployedAt = s.LastModifiedAt
	f.services[p.Name] = s
	return s, nil
}

func (f *fakeCatalog) UpdateServiceImageSHA(_ context.Context, name, imageSHA string) (statedb.Service, error) {
	s, ok := f.services[name]
	if !ok {
		return statedb.Service{}, kiwierr.New(kiwierr.NotFound, "service not found")
	}
	s.ImageSHA = imageSHA
	s.LastDeployedAt = time.Now()
	f.services[name] = s
	return s, nil
}

func (f *fakeCatalog) DeleteService(_ context.Context, name string) error {
	if _, ok := f.services[name]; !ok {
		return kiwierr.New(kiwierr.NotFound, "service not found")
	}
	delete(f.services, name)
	return nil
}

func (f *fakeCatalog) ListUsers(context.Context) ([]statedb.User, error) { return nil, nil }
func (f *fakeCatalog) DeleteUser(context.Context, int64) error           { return nil }
func (f *fakeCatalog) ListInvitations(context.Context) ([]statedb.UserInvitation, error) {
	return nil, nil
}
func (f *fakeCatalog) CreateInvitation(_ context.Context, role statedb.Role) (statedb.UserInvitation, error) {
	return statedb.UserInvitation{ID: uuid.NewString(), Role: role, CreatedAt: time.Now()}, nil
}
func (f *fakeCatalog) DeleteInvitation(context.Context, uuid.UUID) error { return nil }

// fakeEngine records the container-daemon operations a handler performed.
type fakeEngine struct {
	started        []containerengine.ContainerConfig
	stopped        []string
	removedVolumes []string
	networks       []string
	pruned         int
}

func (f *fakeEngine) StartContainer(_ context.Context, cfg containerengine.ContainerConfig) error {
	f.started = append(f.started, cfg)
	return nil
}

func (f *fakeEngine) CreateAndAttachNetwork(_ context.Context, cfg containerengine.NetworkConfig) error {
	f.networks = append(f.networks, cfg.Name)
	return nil
}

func (f *fakeEngine) StopAndRemoveContainer(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeEngine) RemoveVolumes(_ context.Context, cfg containerengine.ContainerConfig) error {
	for _, vb := range cfg.VolumeBinds {
		f.removedVolumes = append(f.removedVolumes, vb.VolumeID)
	}
	return nil
}

func (f *fakeEngine) PruneUnusedImages(context.Context) error {
	f.pruned++
	return nil
}

func (f *fakeEngine) GetContainerStatus(context.Context, string) (string, error) {
	return "running", nil
}

func (f *fakeEngine) GetContainerLogs(context.Context, string, time.Time, time.Time) ([]containerengine.LogLine, error) {
	return nil, nil
}

// fakeServiceCache records the cache maintenance a handler performed.
type fakeServiceCache struct {
	aclCreated []string
	aclDeleted []string
	ports      map[string]int
	lastOrder  string
}

func newFakeServiceCache() *fakeServiceCache {
	return &fakeServiceCache{ports: map[string]int{}}
}

func (f *fakeServiceCache) CreateServiceACLUser(_ context.Context, username, _ string) error {
	f.aclCreated = append(f.aclCreated, username)
	return nil
}

func (f *fakeServiceCache) DeleteServiceACLUser(_ context.Context, username string) error {
	f.aclDeleted = append(f.aclDeleted, username)
	return nil
}

func (f *fakeServiceCache) PutServicePort(_ context.Context, service string, port int) error {
	f.ports[service] = port
	return nil
}

func (f *fakeServiceCache) DeleteServicePort(_ context.Context, service string) error {
	delete(f.ports, service)
	return nil
}

func (f *fakeServiceCache) DeleteServiceAuth(context.Context, string) error { return nil }

func (f *fakeServiceCache) PutLastCertOrder(_ context.Context, orderURL string) error {
	f.lastOrder = orderURL
	return nil
}

func (f *fakeServiceCache) GetLastCertOrder(context.Context) (string, bool, error) {
	return f.lastOrder, f.lastOrder != "", nil
}

func (f *fakeServiceCache) DeleteLastCertOrder(context.Context) error {
	f.lastOrder = ""
	return nil
}

func newTestRouter(catalog *fakeCatalog) (*Router, *fakeEngine, *fakeServiceCache) {
	engine := &fakeEngine{}
	cache := newFakeServiceCache()
	rt := &Router{
		db:     catalog,
		cache:  cache,
		engine: engine,
		cfg:    &config.Config{Domain: "kiwi.example"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return rt, engine, cache
}

func dispatch(rt *Router, r *http.Request) *httptest.ResponseRecorder {
	mux := chi.NewRouter()
	rt.Mount(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

const testImageSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func createServiceBody(name string, externalPort int) string {
	return fmt.Sprintf(`{
		"name": %q,
		"image_name": "nginx",
		"image_sha": %q,
		"exposed_port": {"internal": 80, "external": %d},
		"required_role": "Public"
	}`, name, testImageSHA, externalPort)
}

func TestHandleCreateServiceRejectsBadName(t *testing.T) {
	rt, _, _ := newTestRouter(newFakeCatalog())

	r := httptest.NewRequest(http.MethodPost, "/admin/api/services/", strings.NewReader(createServiceBody("a!", 48081)))
	w := dispatch(rt, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleCreateServiceRejectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	rt, _, _ := newTestRouter(newFakeCatalog())

	r := httptest.NewRequest(http.MethodPost, "/admin/api/services/", strings.NewReader(createServiceBody("blog", port)))
	w := dispatch(rt, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleCreateServiceStartsContainerAndNetwork(t *testing.T) {
	catalog := newFakeCatalog()
	rt, engine, cache := newTestRouter(catalog)

	r := httptest.NewRequest(http.MethodPost, "/admin/api/services/", strings.NewReader(createServiceBody("blog", 48082)))
	w := dispatch(rt, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(engine.started) != 1 || engine.started[0].Name != "blog" {
		t.Fatalf("started containers = %+v, want exactly one named blog", engine.started)
	}
	if len(engine.networks) != 1 || engine.networks[0] != "blog" {
		t.Fatalf("networks = %v, want [blog]", engine.networks)
	}
	if cache.ports["blog"] != 48082 {
		t.Fatalf("memoized port = %d, want 48082", cache.ports["blog"])
	}
	if _, ok := catalog.services["blog"]; !ok {
		t.Fatal("expected the service row to exist after create")
	}

	// The generated Postgres/Redis credentials reach the container as env
	// vars but must never appear in the HTTP response.
	if body := w.Body.String(); strings.Contains(body, "generated-postgres-password") ||
		strings.Contains(body, "generated-redis-password") {
		t.Fatal("response leaked generated ancillary credentials")
	}
}

func TestHandleListServicesRedactsSecrets(t *testing.T) {
	catalog := newFakeCatalog(statedb.Service{
		Name:             "blog",
		ImageName:        "nginx",
		ImageSHA:         testImageSHA,
		InternalPort:     80,
		ExternalPort:     48083,
		Secrets:          []statedb.EnvVar{{Name: "API_TOKEN", Value: "super-secret-value"}},
		RequiredRole:     statedb.RolePublic,
		PostgresPassword: "pg-secret",
		RedisPassword:    "redis-secret",
	})
	rt, _, _ := newTestRouter(catalog)

	r := httptest.NewRequest(http.MethodGet, "/admin/api/services/", nil)
	w := dispatch(rt, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, secret := range []string{"super-secret-value", "pg-secret", "redis-secret"} {
		if strings.Contains(body, secret) {
			t.Fatalf("list response leaked %q", secret)
		}
	}
}

func updateServiceBody(name string, externalPort int, volumePaths []string) string {
	paths, _ := json.Marshal(volumePaths)
	return fmt.Sprintf(`{
		"name": %q,
		"image_name": "nginx",
		"image_sha": %q,
		"exposed_port": {"internal": 80, "external": %d},
		"stateful_volume_paths": %s,
		"required_role": "Public"
	}`, name, testImageSHA, externalPort, paths)
}

func TestHandleUpdateServiceForbidsRename(t *testing.T) {
	catalog := newFakeCatalog(statedb.Service{Name: "blog", ExternalPort: 48084, RequiredRole: statedb.RolePublic})
	rt, _, _ := newTestRouter(catalog)

	r := httptest.NewRequest(http.MethodPut, "/admin/api/services/blog", strings.NewReader(updateServiceBody("renamed", 48084, nil)))
	w := dispatch(rt, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleUpdateServiceForbidsPortChange(t *testing.T) {
	catalog := newFakeCatalog(statedb.Service{Name: "blog", ExternalPort: 48084, RequiredRole: statedb.RolePublic})
	rt, _, _ := newTestRouter(catalog)

	r := httptest.NewRequest(http.MethodPut, "/admin/api/services/blog", strings.NewReader(updateServiceBody("blog", 48085, nil)))
	w := dispatch(rt, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleUpdateServiceDropsRemovedVolumes(t *testing.T) {
	catalog := newFakeCatalog(statedb.Service{
		Name:                "blog",
		ImageName:           "nginx",
		ImageSHA:            testImageSHA,
		InternalPort:        80,
		ExternalPort:        48086,
		StatefulVolumePaths: []string{"/data", "/old"},
		RequiredRole:        statedb.RolePublic,
	})
	rt, engine, _ := newTestRouter(catalog)

	r := httptest.NewRequest(http.MethodPut, "/admin/api/services/blog", strings.NewReader(updateServiceBody("blog", 48086, []string{"/data"})))
	w := dispatch(rt, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(engine.stopped) != 1 || engine.stopped[0] != "blog" {
		t.Fatalf("stopped = %v, want the old container stopped", engine.stopped)
	}
	wantDropped := containerengine.DeriveVolumeID("blog", "/old")
	if len(engine.removedVolumes) != 1 || engine.removedVolumes[0] != wantDropped {
		t.Fatalf("removed volumes = %v, want [%s]", engine.removedVolumes, wantDropped)
	}
	if len(engine.started) != 1 {
		t.Fatalf("started = %+v, want the replacement container started", engine.started)
	}
	if engine.pruned == 0 {
		t.Fatal("expected an image prune after redeploy")
	}
}

func TestHandleDeleteServiceTearsDownEverything(t *testing.T) {
	catalog := newFakeCatalog(statedb.Service{
		Name:                "blog",
		ExternalPort:        48087,
		StatefulVolumePaths: []string{"/data"},
		RequiredRole:        statedb.RolePublic,
		RedisUsername:       "kiwi_svc_redis",
	})
	rt, engine, cache := newTestRouter(catalog)
	cache.ports["blog"] = 48087

	r := httptest.NewRequest(http.MethodDelete, "/admin/api/services/blog", nil)
	w := dispatch(rt, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(engine.stopped) != 1 || engine.stopped[0] != "blog" {
		t.Fatalf("stopped = %v, want [blog]", engine.stopped)
	}
	wantVolume := containerengine.DeriveVolumeID("blog", "/data")
	if len(engine.removedVolumes) != 1 || engine.removedVolumes[0] != wantVolume {
		t.Fatalf("removed volumes = %v, want [%s]", engine.removedVolumes, wantVolume)
	}
	if len(cache.aclDeleted) != 1 || cache.aclDeleted[0] != "kiwi_svc_redis" {
		t.Fatalf("deleted ACL users = %v, want [kiwi_svc_redis]", cache.aclDeleted)
	}
	if _, ok := cache.ports["blog"]; ok {
		t.Fatal("expected the memoized port to be purged")
	}
	if _, ok := catalog.services["blog"]; ok {
		t.Fatal("expected the service row to be deleted")
	}
}
