// Package zoneminder reads the host's configuration files and database.
package zoneminder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Default host configuration locations
const (
	DefaultConfPath = "/etc/zm/zm.conf"
	DefaultConfDir  = "/etc/zm/conf.d"
	DefaultPathMap  = "/dev/shm"
)

// Conf holds the host settings this daemon needs
type Conf struct {
	DBHost  string // hostname[:port] or localhost:/path/to/socket
	DBName  string
	DBUser  string
	DBPass  string
	PathMap string // Directory holding zm.mmap.<id>
}

// ParseConf reads ZM_ assignments from r into c. Later assignments override earlier ones.
func (c *Conf) ParseConf(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "ZM_") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "ZM_DB_HOST":
			c.DBHost = value
		case "ZM_DB_NAME":
			c.DBName = value
		case "ZM_DB_USER":
			c.DBUser = value
		case "ZM_DB_PASS":
			c.DBPass = value
		case "ZM_PATH_MAP":
			c.PathMap = value
		}
	}
	return scanner.Err()
}

// LoadConf reads path and then every *.conf file in dir in lexical order
func LoadConf(path, dir string) (*Conf, error) {
	c := &Conf{PathMap: DefaultPathMap}

	files := []string{path}
	if dir != "" {
		extra, err := filepath.Glob(filepath.Join(dir, "*.conf"))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		sort.Strings(extra)
		files = append(files, extra...)
	}

	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open host config: %w", err)
		}
		err = c.ParseConf(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}

	if c.DBName == "" {
		return nil, fmt.Errorf("ZM_DB_NAME not set in %s", path)
	}
	return c, nil
}

// DSN returns a go-sql-driver/mysql data source name for the host database
func (c *Conf) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.DBUser
	cfg.Passwd = c.DBPass
	cfg.DBName = c.DBName
	cfg.Net, cfg.Addr = dbAddress(c.DBHost)
	return cfg.FormatDSN()
}

// dbAddress maps ZM_DB_HOST onto a network and address
func dbAddress(host string) (network, addr string) {
	if host == "" {
		host = "localhost"
	}
	name, rest, hasRest := strings.Cut(host, ":")
	switch {
	case hasRest && strings.HasPrefix(rest, "/"):
		return "unix", rest
	case hasRest:
		return "tcp", name + ":" + rest
	default:
		return "tcp", host + ":3306"
	}
}
