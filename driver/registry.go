package driver

import (
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options are driver specific settings passed to a Factory. Each driver documents the keys it accepts,
// e.g. the sim driver accepts "numDevices".
type Options map[string]any

// Factory creates a Driver. It's called at most once per registered name: drivers are cached.
type Factory func(options Options) (Driver, error)

// DefaultEnv is the environment variable that overrides the default driver name (see DefaultName).
const DefaultEnv = "KDISPATCH_DRIVER"

var (
	// factories and loadedDrivers are protected by muDrivers.
	factories     = make(map[string]Factory)
	loadedDrivers = make(map[string]Driver)
	muDrivers     sync.Mutex
)

// Register makes a driver factory available under name. It's usually called from the init() of the
// driver's package, so importing the package (even with "_") is enough to make it available.
//
// Registering the same name twice replaces the factory, but not a driver already created with it.
func Register(name string, factory Factory) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if _, found := factories[name]; found {
		klog.Warningf("driver %q registered more than once, using the latest factory", name)
	}
	factories[name] = factory
}

// Get returns the driver registered under name, creating it with options on the first call.
//
// Drivers are singletons per name: later calls return the same instance and ignore options.
func Get(name string, options Options) (Driver, error) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if drv, found := loadedDrivers[name]; found {
		return drv, nil
	}
	factory, found := factories[name]
	if !found {
		return nil, errors.Errorf("driver %q not registered, available drivers: %v -- did you forget to import its package?",
			name, registeredLocked())
	}
	drv, err := factory(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating driver %q", name)
	}
	loadedDrivers[name] = drv
	klog.V(1).Infof("loaded driver %q", name)
	return drv, nil
}

// Registered returns the sorted names of the registered drivers.
func Registered() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	return registeredLocked()
}

func registeredLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultName returns the value of $KDISPATCH_DRIVER, or "sim" if it's not set.
func DefaultName() string {
	if name := os.Getenv(DefaultEnv); name != "" {
		return name
	}
	return "sim"
}

// forget removes a created driver from the cache. Used by tests.
func forget(name string) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	delete(loadedDrivers, name)
}
