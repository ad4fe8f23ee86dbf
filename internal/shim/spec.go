package shim

import (
	"fmt"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const defaultCPUPeriod = 100000

// buildSpec assembles an OCI runtime-spec document from opts, with the
// root filesystem at the bundle-relative "rootfs". It never touches disk;
// the caller marshals the result to config.json.
func buildSpec(opts CreateOpts) (*specs.Spec, error) {
	args, err := mergeProcessArgs(opts)
	if err != nil {
		return nil, err
	}
	user, err := parseUser(firstNonEmpty(opts.User, opts.ImageConfig.User))
	if err != nil {
		return nil, err
	}

	spec := &specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Terminal: opts.TTY,
			User:     user,
			Args:     args,
			Env:      mergeEnv(opts.ImageConfig.Env, opts.Env),
			Cwd:      firstNonEmpty(opts.Cwd, opts.ImageConfig.WorkingDir, "/"),
		},
		Root: &specs.Root{
			Path:     rootfsDirName,
			Readonly: opts.ReadonlyRootfs,
		},
		Hostname: opts.Hostname,
		Mounts:   standardMounts(opts),
		Linux: &specs.Linux{
			Namespaces:  namespaces(opts),
			CgroupsPath: opts.CgroupsPath,
			Resources:   resources(opts),
		},
	}
	return spec, nil
}

func mergeProcessArgs(opts CreateOpts) ([]string, error) {
	entrypoint := opts.Entrypoint
	if entrypoint == nil {
		entrypoint = opts.ImageConfig.Entrypoint
	}
	cmd := opts.Cmd
	if cmd == nil {
		cmd = opts.ImageConfig.Cmd
	}
	args := append(append([]string{}, entrypoint...), cmd...)
	if len(args) == 0 {
		return nil, fmt.Errorf("no entrypoint or command resolved for container process")
	}
	return args, nil
}

// mergeEnv merges image env first, user env vars with the same name
// replacing in place, new ones appended.
func mergeEnv(imageEnv, userEnv []string) []string {
	merged := append([]string{}, imageEnv...)
	index := make(map[string]int, len(merged))
	for i, kv := range merged {
		if k := envKey(kv); k != "" {
			index[k] = i
		}
	}
	for _, kv := range userEnv {
		k := envKey(kv)
		if i, ok := index[k]; ok {
			merged[i] = kv
			continue
		}
		index[k] = len(merged)
		merged = append(merged, kv)
	}
	return merged
}

func envKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

// parseUser parses a "uid[:gid]" string, defaulting to 0:0.
func parseUser(user string) (specs.User, error) {
	if user == "" {
		return specs.User{UID: 0, GID: 0}, nil
	}
	parts := strings.SplitN(user, ":", 2)
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return specs.User{}, fmt.Errorf("invalid uid in user spec %q: %w", user, err)
	}
	gid := uint64(0)
	if len(parts) == 2 {
		gid, err = strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return specs.User{}, fmt.Errorf("invalid gid in user spec %q: %w", user, err)
		}
	}
	return specs.User{UID: uint32(uid), GID: uint32(gid)}, nil
}

func standardMounts(opts CreateOpts) []specs.Mount {
	mounts := []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
			Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts",
			Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm",
			Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs",
			Options: []string{"nosuid", "noexec", "nodev", "ro"}},
	}
	for _, b := range opts.Binds {
		options := []string{"rbind", "rw"}
		if b.Readonly {
			options = []string{"rbind", "ro"}
		}
		mounts = append(mounts, specs.Mount{
			Destination: b.Target,
			Type:        "bind",
			Source:      b.Source,
			Options:     options,
		})
	}
	return mounts
}

func namespaces(opts CreateOpts) []specs.LinuxNamespace {
	ns := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
	}
	if !opts.HostNetworking {
		ns = append(ns, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return ns
}

func resources(opts CreateOpts) *specs.LinuxResources {
	if opts.MemoryLimit == 0 && opts.CPUQuota == 0 && opts.PidsLimit == 0 {
		return nil
	}
	res := &specs.LinuxResources{}
	if opts.MemoryLimit > 0 {
		res.Memory = &specs.LinuxMemory{Limit: &opts.MemoryLimit}
	}
	if opts.CPUQuota > 0 {
		period := uint64(opts.CPUPeriod)
		if period == 0 {
			period = defaultCPUPeriod
		}
		quota := opts.CPUQuota
		res.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
	}
	if opts.PidsLimit > 0 {
		res.Pids = &specs.LinuxPids{Limit: opts.PidsLimit}
	}
	return res
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
