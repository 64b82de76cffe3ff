// opa_cli - opa-client CLI for testing purposes
//
// To build/run:
// $ cd .../opa-client
// $ go build -o bin/opa_cli ./cmd/opa_cli
// $ bin/opa_cli

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	opacl "github.com/infobloxopen/opa-client/pkg/opa_client"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/grpc-ecosystem/go-grpc-middleware/util/metautils"

	logrus "github.com/sirupsen/logrus"
)

const envConfig = "OPA_CLIENT_CONFIG"

func usageAndExit() {
	fmt.Fprint(os.Stderr, strings.Replace(`
Usage: OPA_CLI <ip:port> health
Usage: OPA_CLI <ip:port> put_data <path> <json|@file>
Usage: OPA_CLI <ip:port> get_data <path>
Usage: OPA_CLI <ip:port> delete_data <path>
Usage: OPA_CLI <ip:port> list_data
Usage: OPA_CLI <ip:port> put_policy <id> <file>
Usage: OPA_CLI <ip:port> get_policy <id>
Usage: OPA_CLI <ip:port> delete_policy <id>
Usage: OPA_CLI <ip:port> list_policies
Usage: OPA_CLI <ip:port> check <rule> <input json|@file>
Usage: OPA_CLI <ip:port> query <query> [input json|@file]
Usage: OPA_CLI <ip:port> config
<ip:port> can be empty string, which will default to $OPA_ADDRESS or 'localhost:8181'
$OPA_CLIENT_CONFIG may name a YAML file with address, token, timeout, insecure_skip_verify, log_level
$OPA_CLI_METADATA may hold comma separated key=value pairs forwarded as request headers

Example:
$ kubectl -n authz port-forward pod/opa-5d7ff9fb49-ghz5c 18181:8181
$ OPA_CLI localhost:18181 put_data my.data '{"users":["bilbo","frodo","gandalf"]}'
$ OPA_CLI localhost:18181 put_policy policy-id @policy.rego
$ OPA_CLI localhost:18181 check my.policy.allow '{"name":"bilbo"}'

`, `OPA_CLI`, os.Args[0], -1))
	logrus.Exit(2)
}

func main() {
	if len(os.Args) < 3 {
		usageAndExit()
	}

	cfg, err := opacl.LoadConfig(os.Getenv(envConfig))
	if err != nil {
		logrus.Fatalf("load config: %s", err)
	}
	if len(os.Args[1]) > 0 {
		cfg.Address = os.Args[1]
	}

	cli, err := opacl.NewFromConfig(cfg)
	if err != nil {
		logrus.Fatalf("invalid config: %s", err)
	}

	stdLoggr := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		stdLoggr.SetLevel(lvl)
	}
	ctx, cancelCtxFn := context.WithCancel(context.Background())
	ctx = ctxlogrus.ToContext(ctx, logrus.NewEntry(stdLoggr))
	ctx = withMetadata(ctx, os.Getenv("OPA_CLI_METADATA"))
	defer cancelCtxFn()

	ctxlogrus.Extract(ctx).Debugf("opa address=`%s`", cli.Address())

	out, err := run(ctx, cli, strings.ToLower(os.Args[2]), os.Args[3:])
	if err != nil {
		ctxlogrus.Extract(ctx).WithError(err).Error("request failed")
		cancelCtxFn()
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			logrus.Fatal(err)
		}
	}
}

// withMetadata attaches "k=v,k2=v2" as incoming gRPC metadata so the
// client forwards it as headers
func withMetadata(ctx context.Context, pairs string) context.Context {
	if pairs == "" {
		return ctx
	}
	md := metautils.NiceMD{}
	for _, kv := range strings.Split(pairs, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		md.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return md.ToIncoming(ctx)
}

func run(ctx context.Context, cli opacl.Clienter, cmd string, args []string) (interface{}, error) {
	need := func(n int) {
		if len(args) < n {
			usageAndExit()
		}
	}

	switch cmd {
	case `health`:
		if err := cli.CheckHealth(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"healthy": true}, nil

	case `put_data`:
		need(2)
		data, err := readJSONArg(args[1])
		if err != nil {
			return nil, err
		}
		return nil, cli.SaveDocument(ctx, args[0], data)

	case `get_data`:
		need(1)
		doc, err := cli.GetDocument(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if !doc.Defined {
			return nil, fmt.Errorf("no document at %s", args[0])
		}
		return doc.Value, nil

	case `delete_data`:
		need(1)
		return nil, cli.DeleteDocument(ctx, args[0])

	case `list_data`:
		return cli.ListDocuments(ctx)

	case `put_policy`:
		need(2)
		src, err := readArg("@" + strings.TrimPrefix(args[1], "@"))
		if err != nil {
			return nil, err
		}
		return nil, cli.SavePolicy(ctx, args[0], src)

	case `get_policy`:
		need(1)
		return cli.GetPolicy(ctx, args[0])

	case `delete_policy`:
		need(1)
		return nil, cli.DeletePolicy(ctx, args[0])

	case `list_policies`:
		policies, err := cli.ListPolicies(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(policies))
		for _, p := range policies {
			ids = append(ids, p.ID)
		}
		return ids, nil

	case `check`:
		need(2)
		input, err := readJSONArg(args[1])
		if err != nil {
			return nil, err
		}
		d, err := cli.CheckPolicy(ctx, args[0], input)
		if err != nil {
			return nil, err
		}
		if !d.Defined {
			return nil, opacl.ErrUndefined
		}
		return d.Result, nil

	case `query`:
		need(1)
		var input interface{}
		if len(args) > 1 {
			v, err := readJSONArg(args[1])
			if err != nil {
				return nil, err
			}
			input = v
		}
		return cli.Query(ctx, args[0], input)

	case `config`:
		return cli.GetConfig(ctx)
	}

	usageAndExit()
	return nil, nil
}

// readArg returns arg, or the contents of the file when arg is @file
func readArg(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	bs, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func readJSONArg(arg string) (interface{}, error) {
	raw, err := readArg(arg)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("argument is not valid JSON: %w", err)
	}
	return v, nil
}
