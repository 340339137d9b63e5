package pidresolve

import (
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// DefaultProcRoot is the procfs mount point.
const DefaultProcRoot = "/proc"

// Resolver finds the owning PID of a loopback client connection through
// procfs. Resolution is best effort: any failure yields nil.
type Resolver struct {
	procRoot string
}

// New returns a Resolver reading the host procfs.
func New() *Resolver {
	return NewWithRoot(DefaultProcRoot)
}

// NewWithRoot returns a Resolver reading procfs at root.
func NewWithRoot(root string) *Resolver {
	return &Resolver{procRoot: root}
}

// Resolve returns the PID of the process owning the client side of the
// connection between client and proxy, or nil when it cannot be found.
func (r *Resolver) Resolve(client, proxy net.Addr) *int {
	if !supported {
		return nil
	}
	c, ok := client.(*net.TCPAddr)
	if !ok {
		return nil
	}
	p, ok := proxy.(*net.TCPAddr)
	if !ok {
		return nil
	}

	inode := r.lookupInode(c, p)
	if inode == 0 {
		log.Debug().Str("client", c.String()).Msg("pidresolve: no socket entry for client")
		return nil
	}
	pid, ok := r.ownerOf(inode)
	if !ok {
		log.Debug().Uint64("inode", inode).Msg("pidresolve: socket owner not visible")
		return nil
	}
	return &pid
}

func (r *Resolver) lookupInode(client, proxy *net.TCPAddr) uint64 {
	for _, table := range []string{"tcp", "tcp6"} {
		f, err := os.Open(filepath.Join(r.procRoot, "net", table))
		if err != nil {
			continue
		}
		entries, err := parseSocketTable(f)
		_ = f.Close()
		if err != nil {
			log.Debug().Err(err).Str("table", table).Msg("pidresolve: failed to read socket table")
			continue
		}
		if inode := findInode(entries, client, proxy); inode != 0 {
			return inode
		}
	}
	return 0
}

// ownerOf scans every process's descriptors for the socket inode. Processes
// whose fd directory is unreadable are skipped.
func (r *Resolver) ownerOf(inode uint64) (int, bool) {
	procs, err := os.ReadDir(r.procRoot)
	if err != nil {
		return 0, false
	}
	target := "socket:[" + strconv.FormatUint(inode, 10) + "]"
	for _, proc := range procs {
		pid, err := strconv.Atoi(proc.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(r.procRoot, proc.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err == nil && link == target {
				return pid, true
			}
		}
	}
	return 0, false
}
