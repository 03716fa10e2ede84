package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"serva/internal/fsutil"
)

// Candidate URL prefix tokens for shared files, tried in order.
var prefixCandidates = []string{"shared-files", "_shared_files_", "__shared_files__"}

// Permission is the per-capability switch set reported to clients.
type Permission struct {
	Create   bool
	Copy     bool
	Move     bool
	Delete   bool
	Rename   bool
	Upload   bool
	Download bool
}

// Manage reports whether management operations are enabled.
func (p Permission) Manage() bool {
	return p.Create && p.Copy && p.Move && p.Delete && p.Rename
}

// Address is one host:port the server can be reached on.
type Address struct {
	Host string
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprint(a.Port))
}

// Info is the process-wide server configuration. It is built once at
// startup and shared read-only by every handler; never mutate it.
type Info struct {
	// Root is the canonical absolute sandbox root.
	Root string
	// RootArg is the root as the operator wrote it.
	RootArg string
	// Prefix is the URL path reserved for shared files, "/<token>/".
	Prefix string

	Permission Permission
	AllowCORS  bool

	IP        net.IP
	Port      uint16
	Addresses []Address

	MaxMessageBytes int64
}

// interfaceAddrs is swapped in tests.
var interfaceAddrs = net.InterfaceAddrs

// NewInfo canonicalizes the root, picks a prefix token that does not collide
// with anything in the asset bundle, derives permissions and enumerates the
// addresses the server will answer on.
func NewInfo(c Config, assetExists func(name string) bool) (*Info, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	root, err := fsutil.Canonical(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", c.Dir, err)
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", c.Dir, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", c.Dir)
	}
	prefix, err := choosePrefix(assetExists)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(c.IP)
	addrs, err := availableAddresses(ip, uint16(c.Port))
	if err != nil {
		return nil, fmt.Errorf("enumerate addresses: %w", err)
	}

	manage := c.EnableManage
	return &Info{
		Root:    root,
		RootArg: c.Dir,
		Prefix:  prefix,
		Permission: Permission{
			Create:   manage,
			Copy:     manage,
			Move:     manage,
			Delete:   manage,
			Rename:   manage,
			Upload:   !c.DisableUpload,
			Download: !c.DisableDownload,
		},
		AllowCORS:       c.EnableCORS,
		IP:              ip,
		Port:            uint16(c.Port),
		Addresses:       addrs,
		MaxMessageBytes: c.MaxMessageBytes,
	}, nil
}

func choosePrefix(assetExists func(string) bool) (string, error) {
	for _, p := range prefixCandidates {
		if assetExists == nil || !assetExists(p) {
			return "/" + p + "/", nil
		}
	}
	return "", errors.New("every shared-file prefix collides with an embedded asset")
}

func availableAddresses(ip net.IP, port uint16) ([]Address, error) {
	if ip.IsLoopback() {
		return []Address{{Host: ip.String(), Port: port}}, nil
	}
	if !ip.IsUnspecified() {
		return []Address{
			{Host: ip.String(), Port: port},
			{Host: "127.0.0.1", Port: port},
		}, nil
	}
	ifaddrs, err := interfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]Address, 0, len(ifaddrs))
	for _, a := range ifaddrs {
		var aip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			aip = v.IP
		case *net.IPAddr:
			aip = v.IP
		default:
			continue
		}
		// an IPv4 wildcard socket does not answer on v6 addresses
		if ip.To4() != nil && aip.To4() == nil {
			continue
		}
		out = append(out, Address{Host: aip.String(), Port: port})
	}
	return out, nil
}

// String renders the startup banner.
func (i *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "    ip:%s; port:%d; path:%s\n", i.IP, i.Port, i.RootArg)
	fmt.Fprintf(&b, "    allow_cors:%t; allow_manage:%t; allow_upload:%t; allow_download:%t\n",
		i.AllowCORS, i.Permission.Manage(), i.Permission.Upload, i.Permission.Download)
	fmt.Fprintf(&b, "    root:%s; prefix:%s", i.Root, i.Prefix)
	return b.String()
}
