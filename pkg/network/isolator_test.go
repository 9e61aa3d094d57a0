package network

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockernet "github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

type fakeNet struct {
	id   string
	name string
	opts dockernet.CreateOptions
}

// fakeEngine simulates the engine's network surface: user networks
// plus the implicit default bridge.
type fakeEngine struct {
	mu       sync.Mutex
	nextID   int
	networks map[string]*fakeNet        // id → network
	attached map[string]map[string]bool // containerID → network names

	createErr  error
	connectErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		networks: make(map[string]*fakeNet),
		attached: make(map[string]map[string]bool),
	}
}

// addContainer seeds a container connected to the default bridge, the
// state every fresh container starts in.
func (f *fakeEngine) addContainer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[id] = map[string]bool{defaultBridge: true}
}

func (f *fakeEngine) resolve(idOrName string) *fakeNet {
	if idOrName == defaultBridge {
		return &fakeNet{id: defaultBridge, name: defaultBridge}
	}
	if n, ok := f.networks[idOrName]; ok {
		return n
	}
	for _, n := range f.networks {
		if n.name == idOrName {
			return n
		}
	}
	return nil
}

func notFoundErr(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, cerrdefs.ErrNotFound)...)
}

func (f *fakeEngine) NetworkCreate(ctx context.Context, name string, options dockernet.CreateOptions) (dockernet.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return dockernet.CreateResponse{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("net-%d", f.nextID)
	f.networks[id] = &fakeNet{id: id, name: name, opts: options}
	return dockernet.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) NetworkConnect(ctx context.Context, networkID, containerID string, cfg *dockernet.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	n := f.resolve(networkID)
	if n == nil {
		return notFoundErr("no such network %s", networkID)
	}
	if f.attached[containerID] == nil {
		f.attached[containerID] = make(map[string]bool)
	}
	f.attached[containerID][n.name] = true
	return nil
}

func (f *fakeEngine) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.resolve(networkID)
	if n == nil {
		return notFoundErr("no such network %s", networkID)
	}
	delete(f.attached[containerID], n.name)
	return nil
}

func (f *fakeEngine) NetworkInspect(ctx context.Context, networkID string, options dockernet.InspectOptions) (dockernet.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.resolve(networkID)
	if n == nil {
		return dockernet.Inspect{}, notFoundErr("no such network %s", networkID)
	}
	containers := make(map[string]dockernet.EndpointResource)
	for ctr, nets := range f.attached {
		if nets[n.name] {
			containers[ctr] = dockernet.EndpointResource{Name: ctr}
		}
	}
	return dockernet.Inspect{ID: n.id, Name: n.name, Containers: containers}, nil
}

func (f *fakeEngine) NetworkRemove(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.resolve(networkID)
	if n == nil {
		return notFoundErr("no such network %s", networkID)
	}
	delete(f.networks, n.id)
	return nil
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nets, ok := f.attached[containerID]
	if !ok {
		return container.InspectResponse{}, notFoundErr("no such container %s", containerID)
	}
	endpoints := make(map[string]*dockernet.EndpointSettings, len(nets))
	for name := range nets {
		endpoints[name] = &dockernet.EndpointSettings{}
	}
	return container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{Networks: endpoints},
	}, nil
}

func (f *fakeEngine) networkNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.networks))
	for _, n := range f.networks {
		names = append(names, n.name)
	}
	return names
}

func testNetworkConfig() config.Network {
	return config.Network{
		CIDR:      "10.100.0.0/16",
		IdleTTLS:  3600,
		Prefix:    "runnerhub",
		CacheTTLS: 600,
	}
}

func newTestIsolator(t *testing.T) (*Isolator, *fakeEngine, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := newFakeEngine()
	return NewIsolator(engine, store, nil, testNetworkConfig()), engine, store
}

// TestNormalizeRepository tests the repo-to-name mapping.
func TestNormalizeRepository(t *testing.T) {
	cases := map[string]string{
		"acme/widgets":    "acme-widgets",
		"Acme/Widget_Kit": "acme-widget-kit",
		"org/repo.name":   "org-repo-name",
		"ORG//x":          "org-x",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRepository(in), "input %q", in)
	}
}

// TestGetOrCreateAllocatesSequentialSubnets tests first-free /24
// allocation and internal bridge settings.
func TestGetOrCreateAllocatesSequentialSubnets(t *testing.T) {
	iso, engine, store := newTestIsolator(t)
	ctx := context.Background()

	a, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.0/24", a.Subnet)
	assert.Equal(t, "10.100.1.1", a.Gateway)
	assert.Equal(t, "runnerhub-acme-widgets", a.Name)
	assert.True(t, a.Internal)

	b, err := iso.GetOrCreate(ctx, "acme/gadgets")
	require.NoError(t, err)
	assert.Equal(t, "10.100.2.0/24", b.Subnet)

	engine.mu.Lock()
	opts := engine.networks[a.ID].opts
	engine.mu.Unlock()
	assert.Equal(t, "bridge", opts.Driver)
	assert.True(t, opts.Internal)
	require.NotNil(t, opts.IPAM)
	require.Len(t, opts.IPAM.Config, 1)
	assert.Equal(t, "10.100.1.0/24", opts.IPAM.Config[0].Subnet)
	assert.Equal(t, "false", opts.Options["com.docker.network.bridge.enable_icc"])
	assert.Equal(t, "false", opts.Options["com.docker.network.bridge.enable_ip_masquerade"])
	assert.Equal(t, "true", opts.Labels[labelManaged])

	stored, err := store.GetNetworkByRepository(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)
}

// TestGetOrCreateIdempotent tests that repeat calls return the same
// network without allocating again.
func TestGetOrCreateIdempotent(t *testing.T) {
	iso, engine, _ := newTestIsolator(t)
	ctx := context.Background()

	first, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	second, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, engine.networkNames(), 1)
}

// TestGetOrCreateSurvivesCacheLoss tests that a cold cache answers
// from the store instead of allocating a second network.
func TestGetOrCreateSurvivesCacheLoss(t *testing.T) {
	iso, engine, store := newTestIsolator(t)
	ctx := context.Background()

	first, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)

	// Fresh isolator over the same store, empty cache.
	rebooted := NewIsolator(engine, store, nil, testNetworkConfig())
	second, err := rebooted.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, engine.networkNames(), 1)
}

// TestFreedOctetIsReused tests that removed networks release their
// third octet to the linear scan.
func TestFreedOctetIsReused(t *testing.T) {
	iso, _, store := newTestIsolator(t)
	ctx := context.Background()

	a, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	_, err = iso.GetOrCreate(ctx, "acme/gadgets")
	require.NoError(t, err)

	require.NoError(t, store.MarkNetworkRemoved(ctx, a.ID, time.Now().UTC()))
	iso.cache.Delete("acme/widgets")

	c, err := iso.GetOrCreate(ctx, "acme/gears")
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.0/24", c.Subnet)
}

// TestSubnetExhaustion tests the 254-slot ceiling.
func TestSubnetExhaustion(t *testing.T) {
	iso, _, store := newTestIsolator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for octet := 1; octet <= 254; octet++ {
		require.NoError(t, store.CreateNetwork(ctx, &types.Network{
			ID:         fmt.Sprintf("seed-%d", octet),
			Name:       fmt.Sprintf("runnerhub-seed-%d", octet),
			Repository: fmt.Sprintf("seed/repo-%d", octet),
			Subnet:     fmt.Sprintf("10.100.%d.0/24", octet),
			Gateway:    fmt.Sprintf("10.100.%d.1", octet),
			Internal:   true,
			CreatedAt:  now,
			LastUsed:   now,
		}))
	}

	_, err := iso.GetOrCreate(ctx, "acme/overflow")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))
	assert.Contains(t, err.Error(), "exhausted")
}

// TestAttachMovesOffDefaultBridge tests that attach swaps the default
// bridge for the repository network and records the attachment.
func TestAttachMovesOffDefaultBridge(t *testing.T) {
	iso, engine, store := newTestIsolator(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, &types.ContainerRecord{
		ID:         "ctr-1",
		Repository: "acme/widgets",
		Image:      "alpine:3.20",
		State:      types.ContainerStateCreated,
		CreatedAt:  time.Now().UTC(),
	}))
	engine.addContainer("ctr-1")

	require.NoError(t, iso.Attach(ctx, "ctr-1", "acme/widgets"))

	engine.mu.Lock()
	nets := engine.attached["ctr-1"]
	engine.mu.Unlock()
	assert.False(t, nets[defaultBridge])
	assert.True(t, nets["runnerhub-acme-widgets"])

	rec, err := store.GetContainer(ctx, "ctr-1")
	require.NoError(t, err)
	require.NotNil(t, rec.NetworkID)

	ok, err := iso.Verify(ctx, "ctr-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestAttachIsIdempotent tests that attaching twice leaves one
// connection.
func TestAttachIsIdempotent(t *testing.T) {
	iso, engine, store := newTestIsolator(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, &types.ContainerRecord{
		ID:         "ctr-1",
		Repository: "acme/widgets",
		Image:      "alpine:3.20",
		State:      types.ContainerStateCreated,
		CreatedAt:  time.Now().UTC(),
	}))
	engine.addContainer("ctr-1")

	require.NoError(t, iso.Attach(ctx, "ctr-1", "acme/widgets"))
	require.NoError(t, iso.Attach(ctx, "ctr-1", "acme/widgets"))

	engine.mu.Lock()
	count := len(engine.attached["ctr-1"])
	engine.mu.Unlock()
	assert.Equal(t, 1, count)
}

// TestDetachTolerant tests that detach is a no-op for missing
// networks, missing containers, and repeat calls.
func TestDetachTolerant(t *testing.T) {
	iso, engine, store := newTestIsolator(t)
	ctx := context.Background()

	// No network for the repository at all.
	require.NoError(t, iso.Detach(ctx, "ctr-ghost", "acme/widgets"))

	require.NoError(t, store.CreateContainer(ctx, &types.ContainerRecord{
		ID:         "ctr-1",
		Repository: "acme/widgets",
		Image:      "alpine:3.20",
		State:      types.ContainerStateCreated,
		CreatedAt:  time.Now().UTC(),
	}))
	engine.addContainer("ctr-1")
	require.NoError(t, iso.Attach(ctx, "ctr-1", "acme/widgets"))

	require.NoError(t, iso.Detach(ctx, "ctr-1", "acme/widgets"))
	require.NoError(t, iso.Detach(ctx, "ctr-1", "acme/widgets"))

	rec, err := store.GetContainer(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Nil(t, rec.NetworkID)

	// Container the engine never heard of.
	require.NoError(t, iso.Detach(ctx, "ctr-ghost", "acme/widgets"))
}

// TestVerifyRejectsForeignNetworks tests that any non-isolation
// network fails verification.
func TestVerifyRejectsForeignNetworks(t *testing.T) {
	iso, engine, _ := newTestIsolator(t)
	ctx := context.Background()

	engine.addContainer("ctr-1")
	ok, err := iso.Verify(ctx, "ctr-1")
	require.NoError(t, err)
	assert.False(t, ok, "default bridge only")

	_, err = iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	require.NoError(t, iso.Attach(ctx, "ctr-1", "acme/widgets"))
	ok, err = iso.Verify(ctx, "ctr-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Sneak the default bridge back on.
	engine.mu.Lock()
	engine.attached["ctr-1"][defaultBridge] = true
	engine.mu.Unlock()
	ok, err = iso.Verify(ctx, "ctr-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestReap tests that only idle, empty networks are removed.
func TestReap(t *testing.T) {
	iso, engine, store := newTestIsolator(t)
	ctx := context.Background()

	idle, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	busy, err := iso.GetOrCreate(ctx, "acme/gadgets")
	require.NoError(t, err)
	_, err = iso.GetOrCreate(ctx, "acme/gears")
	require.NoError(t, err)

	// Busy: old but with a container still attached.
	engine.addContainer("ctr-1")
	require.NoError(t, iso.Attach(ctx, "ctr-1", "acme/gadgets"))

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.TouchNetwork(ctx, idle.ID, old))
	require.NoError(t, store.TouchNetwork(ctx, busy.ID, old))

	reaped, err := iso.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = store.GetNetworkByRepository(ctx, "acme/widgets")
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = store.GetNetworkByRepository(ctx, "acme/gadgets")
	require.NoError(t, err)
	_, err = store.GetNetworkByRepository(ctx, "acme/gears")
	require.NoError(t, err)

	names := engine.networkNames()
	assert.NotContains(t, names, "runnerhub-acme-widgets")
	assert.Contains(t, names, "runnerhub-acme-gadgets")
}

// TestReapAllowsReallocation tests the full lifecycle: reap then
// recreate for the same repository.
func TestReapAllowsReallocation(t *testing.T) {
	iso, _, store := newTestIsolator(t)
	ctx := context.Background()

	first, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	require.NoError(t, store.TouchNetwork(ctx, first.ID, time.Now().UTC().Add(-2*time.Hour)))

	reaped, err := iso.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	second, err := iso.GetOrCreate(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "10.100.1.0/24", second.Subnet)
}
