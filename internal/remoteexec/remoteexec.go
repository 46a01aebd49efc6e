// Package remoteexec implements the Remote Executor (C1): a pooled
// SSH client that runs "test"/"list"/"stat"/"exists" against a
// Server, parsing ls-long output into FileInfo records.
//
// Grounded on the dial/session/staleness pattern of an SFTP-over-SSH
// storage backend in the wider example pack (dial once, cache the
// client, re-validate with a cheap round trip before reuse, redial on
// failure), generalized from a single cached client per backend to a
// bounded per-server pool with idle eviction and a hard TTL.
package remoteexec

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/foldersync/foldersyncd/internal/engerr"
	"github.com/foldersync/foldersyncd/internal/model"
)

const (
	idleTimeout  = 30 * time.Second
	clientTTL    = 5 * time.Minute
	keepAlive    = 60 * time.Second
	listTimeout  = 60 * time.Second
	statTimeout  = 15 * time.Second
	maxPerServer = 4
)

// FileInfo is the parsed result of an ls-long line.
type FileInfo struct {
	Path        string
	Name        string
	Size        int64
	Mtime       time.Time
	IsDirectory bool
	Permissions string
}

// TestResult is the outcome of test(server).
type TestResult struct {
	OK          bool
	Diagnostics string
}

// pooledClient wraps an *ssh.Client with the bookkeeping needed for
// idle-timeout and TTL eviction.
type pooledClient struct {
	client   *ssh.Client
	created  time.Time
	lastUsed time.Time
}

func (p *pooledClient) stale(now time.Time) bool {
	return now.Sub(p.created) > clientTTL || now.Sub(p.lastUsed) > idleTimeout
}

// serverPool is the bounded set of live connections to one Server.
type serverPool struct {
	mut     sync.Mutex
	sema    chan struct{} // bounds concurrent acquisitions to maxPerServer
	clients []*pooledClient
}

func newServerPool() *serverPool {
	return &serverPool{sema: make(chan struct{}, maxPerServer)}
}

// Executor owns one serverPool per Server ID and exposes the C1
// contract. AcquireTimeout bounds how long Acquire will block before
// failing with resource_exhausted.
type Executor struct {
	mut            sync.Mutex
	pools          map[string]*serverPool
	AcquireTimeout time.Duration
}

// New builds an Executor. An AcquireTimeout of 0 defaults to 10s.
func New() *Executor {
	return &Executor{pools: make(map[string]*serverPool), AcquireTimeout: 10 * time.Second}
}

func (e *Executor) poolFor(serverID string) *serverPool {
	e.mut.Lock()
	defer e.mut.Unlock()
	p, ok := e.pools[serverID]
	if !ok {
		p = newServerPool()
		e.pools[serverID] = p
	}
	return p
}

func clientConfig(s model.Server) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            s.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	switch {
	case s.UsesKeyAuth():
		signer, err := ssh.ParsePrivateKey([]byte(s.PrivateKey))
		if err != nil {
			return nil, engerr.Wrap(err, engerr.Connection, "parse private key")
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case s.Password != "":
		// Password never touches argv or disk; it is handed directly
		// to the ssh.ClientConfig's auth method.
		cfg.Auth = []ssh.AuthMethod{ssh.Password(s.Password)}
	default:
		return nil, engerr.New(engerr.Validation, "server has neither password nor private key")
	}
	return cfg, nil
}

// acquire returns a live client for s, dialing one if the pool is
// empty or every pooled client is stale, blocking up to
// e.AcquireTimeout if the pool is at capacity.
func (e *Executor) acquire(ctx context.Context, s model.Server) (*pooledClient, error) {
	p := e.poolFor(s.ID)

	select {
	case p.sema <- struct{}{}:
	case <-time.After(e.acquireTimeout()):
		return nil, engerr.New(engerr.ResourceExhausted, "connection pool exhausted for server "+s.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mut.Lock()
	now := time.Now()
	for i := len(p.clients) - 1; i >= 0; i-- {
		pc := p.clients[i]
		if pc.stale(now) {
			go pc.client.Close()
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			continue
		}
	}
	if len(p.clients) > 0 {
		pc := p.clients[len(p.clients)-1]
		p.clients = p.clients[:len(p.clients)-1]
		p.mut.Unlock()
		pc.lastUsed = now
		return pc, nil
	}
	p.mut.Unlock()

	cfg, err := clientConfig(s)
	if err != nil {
		<-p.sema
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		<-p.sema
		return nil, engerr.Wrap(err, engerr.Connection, "dial "+addr)
	}
	go keepAliveLoop(client)
	return &pooledClient{client: client, created: now, lastUsed: now}, nil
}

func (e *Executor) acquireTimeout() time.Duration {
	if e.AcquireTimeout <= 0 {
		return 10 * time.Second
	}
	return e.AcquireTimeout
}

// release returns pc to s's pool (or closes it, if closed is true).
func (e *Executor) release(s model.Server, pc *pooledClient, closed bool) {
	p := e.poolFor(s.ID)
	defer func() { <-p.sema }()
	if closed {
		go pc.client.Close()
		return
	}
	pc.lastUsed = time.Now()
	p.mut.Lock()
	p.clients = append(p.clients, pc)
	p.mut.Unlock()
}

// keepAliveLoop sends periodic keepalive requests so idle connections
// are detected as dead promptly rather than on next use.
func keepAliveLoop(c *ssh.Client) {
	t := time.NewTicker(keepAlive)
	defer t.Stop()
	for range t.C {
		if _, _, err := c.SendRequest("keepalive@foldersyncd", true, nil); err != nil {
			return
		}
	}
}

func validatePath(path string) error {
	if path == "" {
		return engerr.New(engerr.Validation, "path must not be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return engerr.New(engerr.Validation, "path must be absolute: "+path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return engerr.New(engerr.Validation, "path must not contain ..: "+path)
		}
	}
	return nil
}

// runCmd executes cmd on s within a fresh SSH session, bounded by
// ctx's deadline, returning combined stdout/stderr.
func (e *Executor) runCmd(ctx context.Context, s model.Server, cmd string) (string, error) {
	pc, err := e.acquire(ctx, s)
	if err != nil {
		return "", err
	}

	sess, err := pc.client.NewSession()
	if err != nil {
		e.release(s, pc, true)
		return "", engerr.Wrap(err, engerr.Connection, "open ssh session")
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		closed := r.err != nil && isConnectionErr(r.err)
		e.release(s, pc, closed)
		if r.err != nil {
			if _, ok := r.err.(*ssh.ExitError); ok {
				return string(r.out), engerr.New(engerr.Connection, strings.TrimSpace(string(r.out)))
			}
			return string(r.out), engerr.Wrap(r.err, engerr.Connection, "run remote command")
		}
		return string(r.out), nil
	case <-ctx.Done():
		sess.Signal(ssh.SIGTERM)
		e.release(s, pc, true)
		return "", engerr.New(engerr.Timeout, "remote command timed out: "+cmd)
	}
}

func isConnectionErr(err error) bool {
	_, ok := err.(*ssh.ExitError)
	return !ok
}

// Test runs a trivial remote round trip and reports reachability.
func (e *Executor) Test(ctx context.Context, s model.Server) (TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()
	out, err := e.runCmd(ctx, s, "echo foldersyncd-ok")
	if err != nil {
		return TestResult{OK: false, Diagnostics: err.Error()}, nil
	}
	return TestResult{OK: strings.Contains(out, "foldersyncd-ok"), Diagnostics: strings.TrimSpace(out)}, nil
}

// List runs `ls -la` against path and parses every line it can.
func (e *Executor) List(ctx context.Context, s model.Server, path string) ([]FileInfo, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	out, err := e.runCmd(ctx, s, fmt.Sprintf("ls -la -- %s", shellQuote(path)))
	if err != nil {
		return nil, err
	}

	var infos []FileInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if fi, ok := parseLsLong(path, line); ok {
			infos = append(infos, fi)
		}
	}
	return infos, nil
}

// Stat runs `stat` against a single path.
func (e *Executor) Stat(ctx context.Context, s model.Server, path string) (FileInfo, error) {
	if err := validatePath(path); err != nil {
		return FileInfo{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()

	out, err := e.runCmd(ctx, s, fmt.Sprintf("stat -L -c '%%F|%%s|%%Y|%%A|%%n' -- %s", shellQuote(path)))
	if err != nil {
		return FileInfo{}, err
	}
	return parseStatLine(path, strings.TrimSpace(out))
}

// Exists reports whether path is present. A stat that fails with "No
// such file" means non-existence; every other error, connection and
// timeout failures included, is returned as-is so callers can
// distinguish "not found" from "couldn't tell".
func (e *Executor) Exists(ctx context.Context, s model.Server, path string) (bool, error) {
	_, err := e.Stat(ctx, s, path)
	if err == nil {
		return true, nil
	}
	if engerr.CodeOf(err) == engerr.Connection && strings.Contains(err.Error(), "No such file") {
		return false, nil
	}
	return false, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseLsLong maps one `ls -la` line to a FileInfo. Lines that don't
// look like a long-format entry (headers, "total N", unparsable dates)
// are skipped rather than erroring the whole listing.
func parseLsLong(basePath, line string) (FileInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return FileInfo{}, false
	}
	if strings.HasPrefix(fields[0], "total") {
		return FileInfo{}, false
	}
	perms := fields[0]
	if len(perms) == 0 || (perms[0] != '-' && perms[0] != 'd' && perms[0] != 'l') {
		return FileInfo{}, false
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return FileInfo{}, false
	}
	name := strings.Join(fields[8:], " ")
	if name == "." || name == ".." {
		return FileInfo{}, false
	}
	if idx := strings.Index(name, " -> "); idx >= 0 {
		name = name[:idx]
	}
	mtime, ok := parseLsDate(fields[5], fields[6], fields[7])
	if !ok {
		return FileInfo{}, false
	}
	return FileInfo{
		Path:        strings.TrimRight(basePath, "/") + "/" + name,
		Name:        name,
		Size:        size,
		Mtime:       mtime,
		IsDirectory: perms[0] == 'd',
		Permissions: perms,
	}, true
}

// parseLsDate handles both "Mon DD HH:MM" (current year) and
// "Mon DD YYYY" (older files) layouts emitted by `ls -l`.
func parseLsDate(mon, day, rest string) (time.Time, bool) {
	now := time.Now()
	if strings.Contains(rest, ":") {
		t, err := time.Parse("Jan 2 15:04 2006", fmt.Sprintf("%s %s %s %d", mon, day, rest, now.Year()))
		if err != nil {
			return time.Time{}, false
		}
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, true
	}
	t, err := time.Parse("Jan 2 2006", fmt.Sprintf("%s %s %s", mon, day, rest))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseStatLine(path, line string) (FileInfo, error) {
	parts := strings.SplitN(line, "|", 5)
	if len(parts) != 5 {
		return FileInfo{}, engerr.New(engerr.System, "unparseable stat output: "+line)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return FileInfo{}, engerr.Wrap(err, engerr.System, "parse stat size")
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return FileInfo{}, engerr.Wrap(err, engerr.System, "parse stat mtime")
	}
	name := parts[4]
	idx := strings.LastIndex(name, "/")
	if idx >= 0 {
		name = name[idx+1:]
	}
	return FileInfo{
		Path:        path,
		Name:        name,
		Size:        size,
		Mtime:       time.Unix(epoch, 0),
		IsDirectory: strings.Contains(parts[0], "directory"),
		Permissions: parts[3],
	}, nil
}
