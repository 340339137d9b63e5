// Package pidresolve maps a proxied TCP connection back to the process that
// opened it.
package pidresolve

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

var errMalformedEntry = errors.New("malformed socket table entry")

// socketEntry is one row of a /proc/net/tcp style table.
type socketEntry struct {
	local  *net.TCPAddr
	remote *net.TCPAddr
	inode  uint64
}

// parseSocketTable reads a /proc/net/tcp or /proc/net/tcp6 table. Rows that
// cannot be parsed are skipped.
func parseSocketTable(r io.Reader) ([]socketEntry, error) {
	var entries []socketEntry
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first { // header
			first = false
			continue
		}
		entry, err := parseSocketLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func parseSocketLine(line string) (socketEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return socketEntry{}, errMalformedEntry
	}
	local, err := parseHexAddr(fields[1])
	if err != nil {
		return socketEntry{}, err
	}
	remote, err := parseHexAddr(fields[2])
	if err != nil {
		return socketEntry{}, err
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return socketEntry{}, fmt.Errorf("parse inode: %w", err)
	}
	return socketEntry{local: local, remote: remote, inode: inode}, nil
}

// parseHexAddr decodes "ADDR:PORT" where ADDR is the kernel's hex dump of
// 32-bit words in host byte order and PORT is big-endian hex.
func parseHexAddr(s string) (*net.TCPAddr, error) {
	addrHex, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errMalformedEntry
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("parse port: %w", err)
	}
	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	} else if len(raw) != net.IPv4len && len(raw) != net.IPv6len {
		return nil, errMalformedEntry
	}

	ip := make(net.IP, len(raw))
	for i := 0; i < len(raw); i += 4 {
		word := binary.BigEndian.Uint32(raw[i : i+4])
		binary.NativeEndian.PutUint32(ip[i:i+4], word)
	}
	return &net.TCPAddr{IP: ip, Port: int(port)}, nil
}

// sameEndpoint compares addresses treating IPv4-mapped IPv6 as IPv4.
func sameEndpoint(a, b *net.TCPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// findInode returns the inode of the socket whose local end is client and
// remote end is proxy, or 0.
func findInode(entries []socketEntry, client, proxy *net.TCPAddr) uint64 {
	for _, e := range entries {
		if e.inode != 0 && sameEndpoint(e.local, client) && sameEndpoint(e.remote, proxy) {
			return e.inode
		}
	}
	return 0
}
