// Command btreesh is a line-oriented shell over a single txbtree table,
// for exercising the engine by hand: put/get/scan a key space, and
// begin/commit/abort transactions around them. It is not a SQL shell
// (spec.md §1 Non-goals exclude a query language); every command names
// its own tuple directly.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/txbtree/txbtree"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: btreesh <data-file>")
		os.Exit(1)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	desc := &txbtree.TupleDesc{
		Fields: []txbtree.FieldType{
			{Fname: "key", Ftype: txbtree.IntType},
			{Fname: "value", Ftype: txbtree.StringType},
		},
		KeyFieldNo: 0,
	}

	cfg := txbtree.NewConfig(txbtree.WithLogger(logger))
	lockMgr := txbtree.NewLockManager(cfg.LockTimeout, cfg.LockJitter, cfg.Logger)
	bp := txbtree.NewBufferPool(cfg.BufferPoolCap, lockMgr, cfg.Logger)

	file, err := txbtree.OpenBTreeFile(os.Args[1], 1, desc, bp, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer file.Close()

	catalog := txbtree.NewCatalog()
	catalog.AddTable("t", file)

	txns := txbtree.NewTransactionManager(bp)
	var active txbtree.TransactionID
	var inTxn bool

	rl, err := readline.New("btree> ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		currentTID := func() txbtree.TransactionID {
			if inTxn {
				return active
			}
			return txns.Begin()
		}

		switch fields[0] {
		case "begin":
			if inTxn {
				fmt.Println("already in a transaction")
				continue
			}
			active = txns.Begin()
			inTxn = true
			fmt.Println("started", active)

		case "commit":
			if !inTxn {
				fmt.Println("no active transaction")
				continue
			}
			if err := txns.Commit(active); err != nil {
				fmt.Println("commit error:", err)
			}
			inTxn = false

		case "abort":
			if !inTxn {
				fmt.Println("no active transaction")
				continue
			}
			if err := txns.Abort(active); err != nil {
				fmt.Println("abort error:", err)
			}
			inTxn = false

		case "put":
			if len(fields) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			k, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("bad key:", err)
				continue
			}
			tid := currentTID()
			t := &txbtree.Tuple{
				Desc: desc,
				Fields: []txbtree.Field{
					txbtree.IntField{Value: k},
					txbtree.StringField{Value: fields[2]},
				},
			}
			_, err = file.InsertTuple(tid, t)
			if !inTxn {
				finish(txns, tid, err)
			}
			if err != nil {
				fmt.Println("put error:", err)
			}

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			k, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("bad key:", err)
				continue
			}
			tid := currentTID()
			it, err := file.IndexIterator(tid, txbtree.Equals, txbtree.IntField{Value: k})
			if err == nil {
				for {
					t, nerr := it()
					if nerr != nil {
						err = nerr
						break
					}
					if t == nil {
						break
					}
					fmt.Println(t)
				}
			}
			if !inTxn {
				finish(txns, tid, err)
			}
			if err != nil {
				fmt.Println("get error:", err)
			}

		case "scan":
			tid := currentTID()
			it, err := file.Iterator(tid)
			if err == nil {
				for {
					t, nerr := it()
					if nerr != nil {
						err = nerr
						break
					}
					if t == nil {
						break
					}
					fmt.Println(t)
				}
			}
			if !inTxn {
				finish(txns, tid, err)
			}
			if err != nil {
				fmt.Println("scan error:", err)
			}

		case "quit", "exit":
			if inTxn {
				txns.Abort(active)
			}
			return

		default:
			fmt.Println("commands: begin, commit, abort, put <key> <value>, get <key>, scan, quit")
		}
	}
}

func finish(txns *txbtree.TransactionManager, tid txbtree.TransactionID, opErr error) {
	if opErr != nil {
		txns.Abort(tid)
		return
	}
	txns.Commit(tid)
}
