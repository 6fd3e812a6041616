// Package discovery announces this node's presence in ZooKeeper so operator
// tooling can locate cluster members. The registration is purely advisory:
// consensus membership is governed by the replicated cluster config, never
// by ZooKeeper.
package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Presence is the payload stored in the node's ephemeral znode.
type Presence struct {
	NodeID      string `json:"nodeId"`
	ClusterAddr string `json:"clusterAddr"`
	ClientAddr  string `json:"clientAddr"`
}

// Announcer owns one ZooKeeper session and one ephemeral znode.
type Announcer struct {
	conn     *zk.Conn
	rootPath string
	log      *slog.Logger
}

// Connect opens the session. servers: ["zk1:2181", "zk2:2181"].
func Connect(servers []string, rootPath string, sessionTimeout time.Duration) (*Announcer, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Announcer{
		conn:     conn,
		rootPath: rootPath,
		log:      slog.With("component", "discovery"),
	}, nil
}

func (a *Announcer) Close() {
	a.conn.Close()
}

// Announce registers the ephemeral presence znode, creating the root path
// as needed. The znode disappears with the session when the node dies.
func (a *Announcer) Announce(p Presence) error {
	if err := a.ensurePath(a.rootPath); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	path := a.rootPath + "/" + p.NodeID
	_, err = a.conn.Create(path, payload, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create presence znode: %w", err)
	}
	a.log.Info("presence announced", "path", path)
	return nil
}

// Members lists the currently announced nodes.
func (a *Announcer) Members() ([]Presence, error) {
	children, _, err := a.conn.Children(a.rootPath)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]Presence, 0, len(children))
	for _, child := range children {
		raw, _, err := a.conn.Get(a.rootPath + "/" + child)
		if err != nil {
			continue
		}
		var p Presence
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		members = append(members, p)
	}
	return members, nil
}

func (a *Announcer) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	current := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		current = current + "/" + part
		exists, _, err := a.conn.Exists(current)
		if err != nil {
			return err
		}
		if !exists {
			_, err = a.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}
