package network

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockernet "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

const (
	labelManaged    = "runnerhub.managed"
	labelRepository = "runnerhub.repo"

	// The engine's default bridge every container lands on at create.
	defaultBridge = "bridge"

	reapInterval = 5 * time.Minute
)

// API is the engine surface the isolator drives. *client.Client
// satisfies it.
type API interface {
	NetworkCreate(ctx context.Context, name string, options dockernet.CreateOptions) (dockernet.CreateResponse, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *dockernet.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	NetworkInspect(ctx context.Context, networkID string, options dockernet.InspectOptions) (dockernet.Inspect, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// Isolator owns the per-repository isolation networks: one internal
// /24 bridge per repository, allocated from a configured /16. Nothing
// else creates or removes these networks.
type Isolator struct {
	engine API
	store  storage.Store
	bus    *events.Bus
	cfg    config.Network
	cache  *gocache.Cache
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewIsolator creates the network isolation service.
func NewIsolator(engine API, store storage.Store, bus *events.Bus, cfg config.Network) *Isolator {
	return &Isolator{
		engine: engine,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		cache:  gocache.New(cfg.CacheTTL(), 2*cfg.CacheTTL()),
		logger: log.WithComponent("network"),
	}
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// NormalizeRepository converts owner/repo into a network name segment.
func NormalizeRepository(repository string) string {
	return nameSanitizer.ReplaceAllString(strings.ToLower(repository), "-")
}

func (i *Isolator) networkName(repository string) string {
	return i.cfg.Prefix + "-" + NormalizeRepository(repository)
}

// GetOrCreate returns the repository's network, allocating a fresh /24
// when the repository has none. Idempotent.
func (i *Isolator) GetOrCreate(ctx context.Context, repository string) (*types.Network, error) {
	if repository == "" {
		return nil, types.Validationf("network lookup needs a repository")
	}
	if cached, ok := i.cache.Get(repository); ok {
		return cached.(*types.Network), nil
	}

	// Allocation is serialized so two repositories never race onto the
	// same third octet.
	i.mu.Lock()
	defer i.mu.Unlock()

	if cached, ok := i.cache.Get(repository); ok {
		return cached.(*types.Network), nil
	}
	netw, err := i.store.GetNetworkByRepository(ctx, repository)
	if err == nil {
		i.cache.Set(repository, netw, gocache.DefaultExpiration)
		return netw, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}
	return i.allocate(ctx, repository)
}

func (i *Isolator) allocate(ctx context.Context, repository string) (*types.Network, error) {
	subnet, gateway, err := i.freeSubnet(ctx)
	if err != nil {
		return nil, err
	}

	name := i.networkName(repository)
	created, err := i.engine.NetworkCreate(ctx, name, dockernet.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		IPAM: &dockernet.IPAM{
			Driver: "default",
			Config: []dockernet.IPAMConfig{{Subnet: subnet, Gateway: gateway}},
		},
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc":           "false",
			"com.docker.network.bridge.enable_ip_masquerade": "false",
		},
		Labels: map[string]string{
			labelManaged:    "true",
			labelRepository: repository,
		},
	})
	if err != nil {
		return nil, mapEngineErr(err)
	}

	now := time.Now().UTC()
	netw := &types.Network{
		ID:         created.ID,
		Name:       name,
		Repository: repository,
		Subnet:     subnet,
		Gateway:    gateway,
		Internal:   true,
		CreatedAt:  now,
		LastUsed:   now,
	}
	if err := i.store.CreateNetwork(ctx, netw); err != nil {
		_ = i.engine.NetworkRemove(ctx, created.ID)
		if types.IsKind(err, types.KindConflict) {
			// Another process won the allocation; use its network.
			if existing, getErr := i.store.GetNetworkByRepository(ctx, repository); getErr == nil {
				i.cache.Set(repository, existing, gocache.DefaultExpiration)
				return existing, nil
			}
		}
		return nil, err
	}

	metrics.NetworkAllocations.Inc()
	i.cache.Set(repository, netw, gocache.DefaultExpiration)
	i.logger.Info().
		Str("repository", repository).
		Str("network", name).
		Str("subnet", subnet).
		Msg("Isolation network created")
	i.publish(events.TopicNetworkCreated, netw, "network created")
	return netw, nil
}

// freeSubnet linearly scans third octets 1..254 of the configured /16
// for one no active network occupies.
func (i *Isolator) freeSubnet(ctx context.Context) (subnet, gateway string, err error) {
	_, base, err := net.ParseCIDR(i.cfg.CIDR)
	if err != nil {
		return "", "", types.Validationf("network cidr %q: %v", i.cfg.CIDR, err)
	}
	baseIP := base.IP.To4()
	if baseIP == nil {
		return "", "", types.Validationf("network cidr %q is not IPv4", i.cfg.CIDR)
	}

	active, err := i.store.ListNetworks(ctx, true)
	if err != nil {
		return "", "", err
	}
	used := make(map[byte]bool, len(active))
	for _, n := range active {
		if _, cidr, parseErr := net.ParseCIDR(n.Subnet); parseErr == nil {
			if ip := cidr.IP.To4(); ip != nil {
				used[ip[2]] = true
			}
		}
	}

	for octet := 1; octet <= 254; octet++ {
		if used[byte(octet)] {
			continue
		}
		subnet = fmt.Sprintf("%d.%d.%d.0/24", baseIP[0], baseIP[1], octet)
		gateway = fmt.Sprintf("%d.%d.%d.1", baseIP[0], baseIP[1], octet)
		return subnet, gateway, nil
	}
	return "", "", types.Unavailablef("subnet space exhausted: all 254 /24 slots in %s are allocated", i.cfg.CIDR)
}

// Attach disconnects the container from the default bridge, then
// connects it to the repository's network.
func (i *Isolator) Attach(ctx context.Context, containerID, repository string) error {
	netw, err := i.GetOrCreate(ctx, repository)
	if err != nil {
		return err
	}

	inspect, err := i.engine.ContainerInspect(ctx, containerID)
	if err != nil {
		return mapEngineErr(err)
	}
	if inspect.NetworkSettings != nil {
		if _, onDefault := inspect.NetworkSettings.Networks[defaultBridge]; onDefault {
			if err := i.engine.NetworkDisconnect(ctx, defaultBridge, containerID, true); err != nil && !cerrdefs.IsNotFound(err) {
				return mapEngineErr(err)
			}
		}
	}

	if err := i.engine.NetworkConnect(ctx, netw.ID, containerID, nil); err != nil && !cerrdefs.IsConflict(err) {
		return mapEngineErr(err)
	}

	if rec, err := i.store.GetContainer(ctx, containerID); err == nil {
		rec.NetworkID = &netw.ID
		if err := i.store.UpdateContainer(ctx, rec); err != nil {
			i.logger.Warn().Err(err).Str("container_id", containerID).Msg("Failed to record network attachment")
		}
	}
	if err := i.store.TouchNetwork(ctx, netw.ID, time.Now().UTC()); err != nil {
		i.logger.Warn().Err(err).Str("network_id", netw.ID).Msg("Failed to touch network")
	}
	return nil
}

// Detach disconnects the container from the repository's network.
// Already-detached and already-gone are both fine.
func (i *Isolator) Detach(ctx context.Context, containerID, repository string) error {
	netw, err := i.lookup(ctx, repository)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil
		}
		return err
	}

	inspect, err := i.engine.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return mapEngineErr(err)
	}
	connected := false
	if inspect.NetworkSettings != nil {
		_, connected = inspect.NetworkSettings.Networks[netw.Name]
	}
	if connected {
		if err := i.engine.NetworkDisconnect(ctx, netw.ID, containerID, true); err != nil && !cerrdefs.IsNotFound(err) {
			return mapEngineErr(err)
		}
	}

	if rec, err := i.store.GetContainer(ctx, containerID); err == nil && rec.NetworkID != nil {
		rec.NetworkID = nil
		if err := i.store.UpdateContainer(ctx, rec); err != nil {
			i.logger.Warn().Err(err).Str("container_id", containerID).Msg("Failed to clear network attachment")
		}
	}
	if err := i.store.TouchNetwork(ctx, netw.ID, time.Now().UTC()); err != nil {
		i.logger.Warn().Err(err).Str("network_id", netw.ID).Msg("Failed to touch network")
	}
	return nil
}

// Verify reports whether the container is connected only to isolation
// networks.
func (i *Isolator) Verify(ctx context.Context, containerID string) (bool, error) {
	inspect, err := i.engine.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, mapEngineErr(err)
	}
	if inspect.NetworkSettings == nil || len(inspect.NetworkSettings.Networks) == 0 {
		return false, nil
	}
	for name := range inspect.NetworkSettings.Networks {
		if !strings.HasPrefix(name, i.cfg.Prefix+"-") {
			return false, nil
		}
	}
	return true, nil
}

// Reap removes networks idle past the TTL with no attached containers.
// Returns how many were removed.
func (i *Isolator) Reap(ctx context.Context) (int, error) {
	active, err := i.store.ListNetworks(ctx, true)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-i.cfg.IdleTTL())
	reaped := 0
	for _, netw := range active {
		if netw.LastUsed.After(cutoff) {
			continue
		}
		inspect, err := i.engine.NetworkInspect(ctx, netw.ID, dockernet.InspectOptions{})
		if err != nil && !cerrdefs.IsNotFound(err) {
			i.logger.Warn().Err(err).Str("network_id", netw.ID).Msg("Reaper could not inspect network")
			continue
		}
		if err == nil && len(inspect.Containers) > 0 {
			continue
		}

		if err := i.engine.NetworkRemove(ctx, netw.ID); err != nil && !cerrdefs.IsNotFound(err) {
			i.logger.Warn().Err(err).Str("network_id", netw.ID).Msg("Reaper could not remove network")
			continue
		}
		if err := i.store.MarkNetworkRemoved(ctx, netw.ID, time.Now().UTC()); err != nil {
			i.logger.Warn().Err(err).Str("network_id", netw.ID).Msg("Reaper could not mark network removed")
			continue
		}
		i.cache.Delete(netw.Repository)
		reaped++
		i.logger.Info().
			Str("repository", netw.Repository).
			Str("network", netw.Name).
			Msg("Idle network reaped")
		i.publish(events.TopicNetworkRemoved, netw, "idle network reaped")
	}
	return reaped, nil
}

// RunReaper runs Reap on an interval until the context is cancelled.
func (i *Isolator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Reap(ctx); err != nil {
				i.logger.Error().Err(err).Msg("Network reap failed")
			}
		}
	}
}

func (i *Isolator) lookup(ctx context.Context, repository string) (*types.Network, error) {
	if cached, ok := i.cache.Get(repository); ok {
		return cached.(*types.Network), nil
	}
	netw, err := i.store.GetNetworkByRepository(ctx, repository)
	if err != nil {
		return nil, err
	}
	i.cache.Set(repository, netw, gocache.DefaultExpiration)
	return netw, nil
}

func (i *Isolator) publish(topic events.Topic, netw *types.Network, message string) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(&events.Event{
		Topic:      topic,
		Repository: netw.Repository,
		Message:    message,
		Fields: map[string]string{
			"network_id": netw.ID,
			"subnet":     netw.Subnet,
		},
	})
}

func mapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return types.NotFoundf("%v", err)
	case cerrdefs.IsConflict(err):
		return types.Conflictf("%v", err)
	case client.IsErrConnectionFailed(err):
		return types.Unavailablef("container engine unreachable: %v", err)
	default:
		return types.Transientf("%v", err)
	}
}
