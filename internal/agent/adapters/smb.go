package adapters

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path"
	"strings"
	"time"

	smb2 "github.com/hirochachacha/go-smb2"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
)

// SMBAdapter lists files on an SMB share, re-registering the session on a
// transient ConnectionClosed and retrying.
type SMBAdapter struct {
	host  string
	share string
	creds SMBCredentials

	conn    net.Conn
	session *smb2.Session
}

// NewSMBAdapter builds an SMBAdapter bound to host:share; the session is
// established lazily on first use so construction never blocks.
func NewSMBAdapter(host, share string, creds SMBCredentials) *SMBAdapter {
	return &SMBAdapter{host: host, share: share, creds: creds}
}

// ListFiles implements StorageAdapter.
func (a *SMBAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	metas, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(metas))
	for i, m := range metas {
		paths[i] = m.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements StorageAdapter: recursively traverses
// location under the mounted share, retrying once on a dropped session.
func (a *SMBAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileMeta, error) {
	var out []FileMeta
	err := a.withSession(ctx, func(fsys *smb2.Share) error {
		var walkErr error
		out, walkErr = walkSMB(fsys, location)
		return walkErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func walkSMB(share *smb2.Share, location string) ([]FileMeta, error) {
	var out []FileMeta
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := share.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, info := range entries {
			full := path.Join(dir, info.Name())
			if info.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			mod := info.ModTime()
			rel := strings.TrimPrefix(full, location)
			rel = strings.TrimPrefix(rel, "/")
			out = append(out, FileMeta{Path: rel, Size: info.Size(), LastModified: &mod})
		}
		return nil
	}
	if err := walk(location); err != nil {
		return nil, err
	}
	return out, nil
}

// TestConnection implements StorageAdapter: opens a session and lists the
// root of location without recursing.
func (a *SMBAdapter) TestConnection(ctx context.Context, location string) (bool, string, error) {
	err := a.withSession(ctx, func(fsys *smb2.Share) error {
		_, err := fsys.ReadDir(location)
		return err
	})
	if err != nil {
		var se *apierr.StorageError
		if errors.As(err, &se) {
			return false, se.Error(), nil
		}
		return false, err.Error(), nil
	}
	return true, fmt.Sprintf("smb share %q reachable", a.share), nil
}

// withSession runs fn against the mounted share, establishing the session
// on first use and re-registering it once if fn fails with a dropped
// connection.
func (a *SMBAdapter) withSession(ctx context.Context, fn func(*smb2.Share) error) error {
	fsys, err := a.mount(ctx)
	if err != nil {
		return err
	}
	defer fsys.Umount()

	err = fn(fsys)
	if err == nil {
		return nil
	}
	if !isSMBConnectionClosed(err) {
		return classifySMBError("smb.op", err)
	}

	a.reset()
	fsys, err = a.mount(ctx)
	if err != nil {
		return err
	}
	defer fsys.Umount()

	if err := fn(fsys); err != nil {
		return classifySMBError("smb.op", err)
	}
	return nil
}

func (a *SMBAdapter) mount(ctx context.Context) (*smb2.Share, error) {
	if a.session == nil {
		conn, err := net.DialTimeout("tcp", a.host, 10*time.Second)
		if err != nil {
			return nil, apierr.NewStorageError("smb.dial", apierr.StorageConnectionFailure, err)
		}
		dialer := &smb2.Dialer{
			Initiator: &smb2.NTLMInitiator{
				User:     a.creds.Username,
				Password: a.creds.Password,
				Domain:   a.creds.Domain,
			},
		}
		session, err := dialer.DialContext(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, classifySMBError("smb.dial", err)
		}
		a.conn = conn
		a.session = session
	}
	fsys, err := a.session.Mount(a.share)
	if err != nil {
		return nil, classifySMBError("smb.mount", err)
	}
	return fsys, nil
}

func (a *SMBAdapter) reset() {
	if a.session != nil {
		a.session.Logoff()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.session = nil
	a.conn = nil
}

func isSMBConnectionClosed(err error) bool {
	return errors.Is(err, fs.ErrClosed) || errors.Is(err, net.ErrClosed) ||
		strings.Contains(strings.ToLower(err.Error()), "connection")
}

func classifySMBError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access") || strings.Contains(msg, "denied") || strings.Contains(msg, "logon"):
		return apierr.NewStorageError(op, apierr.StoragePermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return apierr.NewStorageError(op, apierr.StorageNotFound, err)
	default:
		return apierr.NewStorageError(op, apierr.StorageConnectionFailure, err)
	}
}
