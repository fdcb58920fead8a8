package adminapi

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiwiadmin/kiwi/internal/containerengine"
	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/statedb"
	"github.com/kiwiadmin/kiwi/internal/telemetry"
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// envVarRequest mirrors statedb.EnvVar for request/response bodies.
type envVarRequest struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

type exposedPortRequest struct {
	Internal int `json:"internal" validate:"required,gte=1,lte=65535"`
	External int `json:"external" validate:"required,gte=1,lte=65535"`
}

type createServiceRequest struct {
	Name                 string             `json:"name" validate:"required"`
	ImageName            string             `json:"image_name" validate:"required"`
	ImageSHA             string             `json:"image_sha" validate:"required,len=64,hexadecimal"`
	ExposedPort          exposedPortRequest `json:"exposed_port" validate:"required"`
	EnvironmentVariables []envVarRequest    `json:"environment_variables"`
	Secrets              []envVarRequest    `json:"secrets"`
	StatefulVolumePaths  []string           `json:"stateful_volume_paths"`
	GithubRepository     *string            `json:"github_repository"`
	RequiredRole         statedb.Role       `json:"required_role" validate:"required,oneof=Admin Customer Public"`
}

type updateServiceRequest struct {
	Name                 string             `json:"name" validate:"required"`
	ImageName            string             `json:"image_name" validate:"required"`
	ImageSHA             string             `json:"image_sha" validate:"required,len=64,hexadecimal"`
	ExposedPort          exposedPortRequest `json:"exposed_port" validate:"required"`
	EnvironmentVariables []envVarRequest    `json:"environment_variables"`
	Secrets              []envVarRequest    `json:"secrets"`
	StatefulVolumePaths  []string           `json:"stateful_volume_paths"`
	GithubRepository     *string            `json:"github_repository"`
	RequiredRole         statedb.Role       `json:"required_role" validate:"required,oneof=Admin Customer Public"`
}

// serviceResponse is the redacted shape returned from list/get: secrets and
// the ancillary Postgres/Redis credential fields never leave this package.
type serviceResponse struct {
	Name                 string             `json:"name"`
	ImageName            string             `json:"image_name"`
	ImageSHA             string             `json:"image_sha"`
	ExposedPort          exposedPortRequest `json:"exposed_port"`
	EnvironmentVariables []envVarRequest    `json:"environment_variables"`
	StatefulVolumePaths  []string           `json:"stateful_volume_paths"`
	GithubRepository     *string            `json:"github_repository"`
	RequiredRole         statedb.Role       `json:"required_role"`
	CreatedAt            string             `json:"created_at"`
	LastModifiedAt       string             `json:"last_modified_at"`
	LastDeployedAt       string             `json:"last_deployed_at"`
}

func toServiceResponse(s statedb.Service) serviceResponse {
	envs := make([]envVarRequest, len(s.EnvironmentVariables))
	for i, e := range s.EnvironmentVariables {
		envs[i] = envVarRequest{Name: e.Name, Value: e.Value}
	}
	return serviceResponse{
		Name:                 s.Name,
		ImageName:            s.ImageName,
		ImageSHA:             s.ImageSHA,
		ExposedPort:          exposedPortRequest{Internal: s.InternalPort, External: s.ExternalPort},
		EnvironmentVariables: envs,
		StatefulVolumePaths:  s.StatefulVolumePaths,
		GithubRepository:     s.GithubRepository,
		RequiredRole:         s.RequiredRole,
		CreatedAt:            s.CreatedAt.Format(time.RFC3339),
		LastModifiedAt:       s.LastModifiedAt.Format(time.RFC3339),
		LastDeployedAt:       s.LastDeployedAt.Format(time.RFC3339),
	}
}

func toEnvVars(in []envVarRequest) []statedb.EnvVar {
	out := make([]statedb.EnvVar, len(in))
	for i, e := range in {
		out[i] = statedb.EnvVar{Name: e.Name, Value: e.Value}
	}
	return out
}

// ReconcileOnBoot restarts every persisted service's container and
// reattaches its network, per the strict boot ordering that runs this after
// the State DB and Session Cache clients are open but before the listener
// binds. A single service failing to start is logged and does not prevent
// the rest from starting.
func (rt *Router) ReconcileOnBoot(ctx context.Context) error {
	services, err := rt.db.ListServices(ctx)
	if err != nil {
		return err
	}
	running := 0
	for _, svc := range services {
		if err := rt.startServiceContainer(ctx, svc); err != nil {
			rt.logger.Error("reconciling service on boot", "service", svc.Name, "error", err)
			continue
		}
		running++
	}
	telemetry.ServicesRunning.Set(float64(running))
	return nil
}

func (rt *Router) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := rt.db.ListServices(r.Context())
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	out := make([]serviceResponse, len(services))
	for i, s := range services {
		out[i] = toServiceResponse(s)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (rt *Router) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	svc, err := rt.db.GetService(r.Context(), name)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, toServiceResponse(svc))
}

func (rt *Router) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if !serviceNamePattern.MatchString(req.Name) {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "service name must match ^[A-Za-z0-9_-]{3,32}$"))
		return
	}
	if !containerengine.IsLocalPortFree(req.ExposedPort.External) {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "external port is already bound"))
		return
	}

	svc, err := rt.db.CreateService(r.Context(), statedb.CreateServiceParams{
		Name:                 req.Name,
		ImageName:            req.ImageName,
		ImageSHA:             req.ImageSHA,
		InternalPort:         req.ExposedPort.Internal,
		ExternalPort:         req.ExposedPort.External,
		EnvironmentVariables: toEnvVars(req.EnvironmentVariables),
		Secrets:              toEnvVars(req.Secrets),
		StatefulVolumePaths:  req.StatefulVolumePaths,
		GithubRepository:     req.GithubRepository,
		RequiredRole:         req.RequiredRole,
	})
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.startServiceContainer(r.Context(), svc); err != nil {
		_ = rt.db.DeleteService(r.Context(), svc.Name)
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	telemetry.ServicesRunning.Inc()

	httpserver.Respond(w, http.StatusOK, toServiceResponse(svc))
}

func (rt *Router) handleGetServiceStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := rt.db.GetService(r.Context(), name); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	status, err := rt.engine.GetContainerStatus(r.Context(), name)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": status})
}

type logLineResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleGetServiceLogs returns the container's output between the "from" and
// "to" RFC 3339 query parameters, defaulting to the last hour.
func (rt *Router) handleGetServiceLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := rt.db.GetService(r.Context(), name); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	to := time.Now()
	from := to.Add(-time.Hour)
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "to must be an RFC 3339 timestamp"))
			return
		}
		to = parsed
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "from must be an RFC 3339 timestamp"))
			return
		}
		from = parsed
	}

	lines, err := rt.engine.GetContainerLogs(r.Context(), name, from, to)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	out := make([]logLineResponse, len(lines))
	for i, l := range lines {
		out[i] = logLineResponse{Kind: l.Kind, Message: l.Message}
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// startServiceContainer creates the service's cache ACL user, container
// config (env = environment_variables ++ secrets ++ generated Postgres/Redis
// credentials), starts the container, and attaches its dedicated network.
func (rt *Router) startServiceContainer(ctx context.Context, svc statedb.Service) error {
	if err := rt.cache.CreateServiceACLUser(ctx, svc.RedisUsername, svc.RedisPassword); err != nil {
		return err
	}

	volumeBinds := make([]containerengine.VolumeBind, len(svc.StatefulVolumePaths))
	for i, p := range svc.StatefulVolumePaths {
		volumeBinds[i] = containerengine.VolumeBind{VolumeID: containerengine.DeriveVolumeID(svc.Name, p), ContainerPath: p}
	}

	env := make(map[string]string, len(svc.EnvironmentVariables))
	for _, e := range svc.EnvironmentVariables {
		env[e.Name] = e.Value
	}
	secrets := make(map[string]string, len(svc.Secrets))
	for _, e := range svc.Secrets {
		secrets[e.Name] = e.Value
	}
	internalSecrets := map[string]string{
		"KIWI_POSTGRES_USERNAME": svc.PostgresUsername,
		"KIWI_POSTGRES_PASSWORD": svc.PostgresPassword,
		"KIWI_REDIS_USERNAME":    svc.RedisUsername,
		"KIWI_REDIS_PASSWORD":    svc.RedisPassword,
	}

	if err := rt.engine.StartContainer(ctx, containerengine.ContainerConfig{
		Name:                 svc.Name,
		ImageName:            svc.ImageName,
		ImageSHA:             svc.ImageSHA,
		InternalPort:         svc.InternalPort,
		ExternalPort:         svc.ExternalPort,
		EnvironmentVariables: env,
		Secrets:              secrets,
		InternalSecrets:      internalSecrets,
		VolumeBinds:          volumeBinds,
	}); err != nil {
		return err
	}

	if err := rt.engine.CreateAndAttachNetwork(ctx, containerengine.NetworkConfig{Name: svc.Name}); err != nil {
		return err
	}

	return rt.cache.PutServicePort(ctx, svc.Name, svc.ExternalPort)
}

func (rt *Router) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req updateServiceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	existing, err := rt.db.GetService(r.Context(), name)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if req.Name != existing.Name {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "service name cannot be changed"))
		return
	}
	if req.ExposedPort.External != existing.ExternalPort {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "external port cannot be changed"))
		return
	}

	updated, err := rt.db.UpdateService(r.Context(), statedb.UpdateServiceParams{
		Name:                 name,
		ImageName:            req.ImageName,
		ImageSHA:             req.ImageSHA,
		EnvironmentVariables: toEnvVars(req.EnvironmentVariables),
		Secrets:              toEnvVars(req.Secrets),
		StatefulVolumePaths:  req.StatefulVolumePaths,
		GithubRepository:     req.GithubRepository,
		RequiredRole:         req.RequiredRole,
	})
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.redeployService(r.Context(), existing, updated); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.cache.DeleteServiceAuth(r.Context(), name); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, toServiceResponse(updated))
}

// redeployService stops and removes the old container, drops any volume
// whose path disappeared from stateful_volume_paths, starts the new
// container, and prunes now-unused images.
func (rt *Router) redeployService(ctx context.Context, old, updated statedb.Service) error {
	if err := rt.engine.StopAndRemoveContainer(ctx, old.Name); err != nil && kiwierr.CodeOf(err) != kiwierr.ContainerIDNotFound {
		return err
	}

	kept := make(map[string]bool, len(updated.StatefulVolumePaths))
	for _, p := range updated.StatefulVolumePaths {
		kept[p] = true
	}
	var dropped []containerengine.VolumeBind
	for _, p := range old.StatefulVolumePaths {
		if !kept[p] {
			dropped = append(dropped, containerengine.VolumeBind{VolumeID: containerengine.DeriveVolumeID(old.Name, p)})
		}
	}
	if len(dropped) > 0 {
		if err := rt.engine.RemoveVolumes(ctx, containerengine.ContainerConfig{VolumeBinds: dropped}); err != nil {
			return err
		}
	}

	if err := rt.startServiceContainer(ctx, updated); err != nil {
		return err
	}

	return rt.engine.PruneUnusedImages(ctx)
}

func (rt *Router) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	svc, err := rt.db.GetService(r.Context(), name)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.engine.StopAndRemoveContainer(r.Context(), name); err != nil && kiwierr.CodeOf(err) != kiwierr.ContainerIDNotFound {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	var binds []containerengine.VolumeBind
	for _, p := range svc.StatefulVolumePaths {
		binds = append(binds, containerengine.VolumeBind{VolumeID: containerengine.DeriveVolumeID(name, p)})
	}
	if err := rt.engine.RemoveVolumes(r.Context(), containerengine.ContainerConfig{VolumeBinds: binds}); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.engine.PruneUnusedImages(r.Context()); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.cache.DeleteServiceACLUser(r.Context(), svc.RedisUsername); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if err := rt.cache.DeleteServicePort(r.Context(), name); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if err := rt.cache.DeleteServiceAuth(r.Context(), name); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.db.DeleteService(r.Context(), name); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	telemetry.ServicesRunning.Dec()

	httpserver.Respond(w, http.StatusOK, nil)
}
