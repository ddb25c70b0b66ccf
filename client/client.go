// Package client is an interactive shell for the router's HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/rs/xid"
	"github.com/shard-txn-router/common"
	"go.mongodb.org/mongo-driver/bson"
)

// shell commands that are not database commands
const (
	USE      = "use"
	START    = "start"
	COMMIT   = "commit"
	ABORT    = "abort"
	STATUS   = "status"
	REFRESH  = "refreshControl"
	ENABLE   = "enableSharding"
	MOVE     = "movePrimary"
	CREATEIX = "createIndex"
	EXIT     = "exit"
)

var (
	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed)
	retryColor = color.New(color.FgYellow)
)

func addURLScheme(s string) string {
	if strings.HasPrefix(s, "https://") {
		return strings.Replace(s, "https://", "http://", 1)
	} else if !strings.HasPrefix(s, "http://") {
		return "http://" + s
	}
	return s
}

type shardTxnClient struct {
	client     *http.Client
	serverAddr string
	out        io.Writer

	lsid      string
	db        string
	txnNumber int64
	inTxn     bool
}

func NewShardTxnClient(serverAddr string) *shardTxnClient {
	return &shardTxnClient{
		client:     &http.Client{Timeout: 5 * time.Second},
		serverAddr: addURLScheme(serverAddr),
		out:        color.Output,
		lsid:       xid.New().String(),
		db:         "test",
	}
}

// SetOutput redirects replies, normally the terminal.
func (c *shardTxnClient) SetOutput(w io.Writer) {
	c.out = w
}

// splitLine splits a shell line into words. Quoted strings and JSON
// documents or arrays are kept as one word.
func splitLine(line string) []string {
	var (
		args  []string
		cur   strings.Builder
		depth int
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				if depth == 0 {
					continue
				}
			}
		case r == '"' || r == '\'':
			quote = r
			if depth == 0 {
				continue
			}
		case r == '{' || r == '[':
			depth++
		case r == '}' || r == ']':
			depth--
		case depth == 0 && (r == ' ' || r == '\t'):
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return args
}

// parseDocument reads a relaxed Extended JSON document, e.g. {"x": 1}.
func parseDocument(s string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, fmt.Errorf("invalid document %s: %s", s, err)
	}
	return doc, nil
}

// parseValue reads any Extended JSON value: a document, an array, a string,
// a number or a bool.
func parseValue(s string) (interface{}, error) {
	var wrapper bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"v": `+s+`}`), false, &wrapper); err != nil {
		// bare words are strings
		return s, nil
	}
	return wrapper[0].Value, nil
}

func optionalDocument(args []string, i int) (bson.D, error) {
	if len(args) <= i {
		return bson.D{}, nil
	}
	return parseDocument(args[i])
}

// buildCommand turns shell words into a command document for db.
func buildCommand(db string, args []string) (bson.D, error) {
	if len(args) < 2 {
		return nil, errors.New("Missing collection name")
	}
	op, coll := args[0], args[1]
	switch op {
	case common.FIND:
		filter, err := optionalDocument(args, 2)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: common.FIND, Value: coll}, {Key: "filter", Value: filter}}, nil
	case common.COUNT:
		query, err := optionalDocument(args, 2)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: common.COUNT, Value: coll}, {Key: "query", Value: query}}, nil
	case common.DISTINCT:
		if len(args) < 3 {
			return nil, errors.New("Invalid distinct command. Correct syntax: distinct [coll] [key] [query]")
		}
		query, err := optionalDocument(args, 3)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: common.DISTINCT, Value: coll}, {Key: "key", Value: args[2]}, {Key: "query", Value: query}}, nil
	case common.INSERT:
		if len(args) < 3 {
			return nil, errors.New("Invalid insert command. Correct syntax: insert [coll] [doc]...")
		}
		docs := bson.A{}
		for _, a := range args[2:] {
			d, err := parseDocument(a)
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
		return bson.D{{Key: common.INSERT, Value: coll}, {Key: "documents", Value: docs}}, nil
	case CREATEIX:
		if len(args) < 3 || len(args) > 4 {
			return nil, errors.New("Invalid createIndex command. Correct syntax: createIndex [coll] [key] [options]")
		}
		key, err := parseDocument(args[2])
		if err != nil {
			return nil, err
		}
		var opts interface{}
		if len(args) == 4 {
			if opts, err = parseValue(args[3]); err != nil {
				return nil, err
			}
		}
		ns := common.Namespace{DB: db, Coll: coll}.String()
		idx, err := common.NormalizeIndexSpec(ns, key, opts)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: common.CREATEINDEXES, Value: coll}, {Key: "indexes", Value: bson.A{idx.Document()}}}, nil
	case common.LISTINDEXES:
		return bson.D{{Key: common.LISTINDEXES, Value: coll}}, nil
	}
	return nil, errors.New("Command not recognized.")
}

func (c *shardTxnClient) prompt() string {
	if c.inTxn {
		return fmt.Sprintf("%s(txn %d)> ", c.db, c.txnNumber)
	}
	return c.db + "> "
}

// ExecLine runs one shell command line.
func (c *shardTxnClient) ExecLine(line string) error {
	return c.Exec(splitLine(line))
}

// Run reads commands until exit or EOF.
func (c *shardTxnClient) Run() error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            c.prompt(),
		HistoryFile:       "/tmp/txnrouter-shell.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	c.out = l.Stdout()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		} else if err != nil {
			continue
		}
		args := splitLine(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == EXIT {
			fmt.Fprintln(c.out, "Stop client")
			return nil
		}
		if err := c.Exec(args); err != nil {
			errColor.Fprintln(c.out, err)
		}
		l.SetPrompt(c.prompt())
	}
}

// Exec runs one shell command, given as words.
func (c *shardTxnClient) Exec(args []string) error {
	switch args[0] {
	case USE:
		if len(args) != 2 {
			return errors.New("Invalid use command. Correct syntax: use [db]")
		}
		c.db = args[1]
		return nil
	case START:
		c.txnNumber++
		if _, err := c.post(c.txnPath(START), nil); err != nil {
			return err
		}
		c.inTxn = true
		okColor.Fprintf(c.out, "Started transaction %d\n", c.txnNumber)
		return nil
	case COMMIT, ABORT:
		if !c.inTxn {
			return errors.New("Not in transaction")
		}
		c.inTxn = false
		doc, err := c.post(c.txnPath(args[0]), nil)
		if err != nil {
			return err
		}
		c.print(doc)
		return nil
	case STATUS:
		return c.status()
	case REFRESH, ENABLE, MOVE:
		return c.admin(args)
	}

	cmd, err := buildCommand(c.db, args)
	if err != nil {
		return err
	}
	body, err := bson.MarshalExtJSON(bson.D{{Key: "db", Value: c.db}, {Key: "command", Value: cmd}, {Key: "lsid", Value: c.lsid}}, false, false)
	if err != nil {
		return err
	}
	p := "/run"
	if c.inTxn {
		p = c.txnPath("run")
	}
	doc, err := c.post(p, body)
	if err != nil {
		return err
	}
	c.print(doc)
	return nil
}

func (c *shardTxnClient) txnPath(op string) string {
	return path.Join("/sessions", c.lsid, "txns", strconv.FormatInt(c.txnNumber, 10), op)
}

func (c *shardTxnClient) admin(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("Invalid %[1]s command. Correct syntax: %[1]s [db|shard] [shard|mode]", args[0])
	}
	var req map[string]string
	switch args[0] {
	case REFRESH:
		req = map[string]string{"shard": args[1], "mode": args[2]}
	default:
		req = map[string]string{"db": args[1], "shard": args[2]}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	doc, err := c.post(path.Join("/admin", args[0]), body)
	if err != nil {
		return err
	}
	c.print(doc)
	return nil
}

func (c *shardTxnClient) status() error {
	u, err := c.url(path.Join("/sessions", c.lsid))
	if err != nil {
		return err
	}
	resp, err := c.client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(c.out, strings.TrimSpace(string(body)))
	return nil
}

func (c *shardTxnClient) url(p string) (string, error) {
	u, err := url.Parse(c.serverAddr)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, p)
	return u.String(), nil
}

// post sends body and returns the reply document. A reply with ok: 0 is
// returned as an error.
func (c *shardTxnClient) post(p string, body []byte) (bson.D, error) {
	u, err := c.url(p)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Post(u, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(string(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := replyError(doc); err != nil {
		if err.HasLabel(common.TransientTransactionError) {
			c.inTxn = false
			retryColor.Fprintln(c.out, "Transaction aborted, start a new one to retry")
		}
		return nil, err
	}
	return doc, nil
}

// replyError extracts the error of a reply with ok: 0.
func replyError(doc bson.D) *common.CommandError {
	m := doc.Map()
	if ok, _ := m["ok"].(int32); ok == 1 {
		return nil
	}
	code, _ := m["code"].(int32)
	msg, _ := m["errmsg"].(string)
	e := &common.CommandError{Code: common.ErrorCode(code), Message: msg}
	if labels, ok := m["errorLabels"].(bson.A); ok {
		for _, l := range labels {
			if s, ok := l.(string); ok {
				e.Labels = append(e.Labels, s)
			}
		}
	}
	return e
}

func (c *shardTxnClient) print(doc bson.D) {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		errColor.Fprintln(c.out, err)
		return
	}
	okColor.Fprintln(c.out, string(b))
}
