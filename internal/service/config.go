package service

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mdakk072/scrapperManager/internal/model"
)

// Command is the prototype of a scraper process. Dir is the working
// directory, Env is added to the environment of the manager.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// NewCommand builds the worker prototype from the config. Env values
// starting with $ are expanded, keys are upper cased. A relative Path with a
// directory part is resolved against basePath.
func NewCommand(basePath string, cfg model.Worker) Command {
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(cfg.Env))
	for _, k := range keys {
		v := cfg.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}

	path := cfg.Path
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(basePath, path)
	}

	return Command{
		Path: path,
		Args: append([]string(nil), cfg.Args...),
		Env:  env,
		Dir:  basePath,
	}
}

// For returns the command line of one worker run:
// <args> -c <config_file> -i <unique_id> -p <telemetry address>.
func (c Command) For(configFile, id, address string) Command {
	args := make([]string, 0, len(c.Args)+6)
	args = append(args, c.Args...)
	args = append(args, "-c", configFile, "-i", id, "-p", address)
	c.Args = args
	c.Env = append([]string(nil), c.Env...)
	return c
}
