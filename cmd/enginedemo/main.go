package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvarchive/engine/internal/engine"
)

func main() {
	dir, err := os.MkdirTemp("", "kvengine-demo")
	if err != nil {
		fmt.Println("mkdir temp err", err)
		return
	}
	defer os.RemoveAll(dir)

	cfg := engine.DefaultConfig()
	cfg.DataFile = filepath.Join(dir, "vol.db")
	cfg.LogDir = filepath.Join(dir, "log")
	cfg.ArchiveDir = filepath.Join(dir, "archive")

	v, err := engine.CreateVolume(cfg)
	if err != nil {
		fmt.Println("create volume err", err)
		return
	}
	defer v.Close()

	const store = 1
	if err := v.CreateStore(store); err != nil {
		fmt.Println("create store err", err)
		return
	}

	tx, err := v.Begin()
	if err != nil {
		fmt.Println("begin err", err)
		return
	}
	rows := map[string]string{"apple": "1", "banana": "2", "cherry": "3"}
	for k, val := range rows {
		if err := tx.Insert(store, []byte(k), []byte(val)); err != nil {
			fmt.Println("insert err", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		fmt.Println("commit err", err)
		return
	}

	tx2, err := v.Begin()
	if err != nil {
		fmt.Println("begin err", err)
		return
	}
	cur, err := tx2.Scan(store, 0, nil)
	if err != nil {
		fmt.Println("scan err", err)
		return
	}
	for cur.Valid() {
		fmt.Printf("%s = %s\n", cur.Key(), cur.Value())
		if err := cur.Next(); err != nil {
			fmt.Println("next err", err)
			return
		}
	}
	if err := tx2.Commit(); err != nil {
		fmt.Println("commit err", err)
		return
	}

	rootID := v.Store(store).RootID()
	if err := v.Close(); err != nil {
		fmt.Println("close err", err)
		return
	}

	reopened, err := engine.OpenVolume(cfg)
	if err != nil {
		fmt.Println("reopen err", err)
		return
	}
	defer reopened.Close()
	if err := reopened.OpenStore(store, rootID); err != nil {
		fmt.Println("reattach store err", err)
		return
	}

	tx3, err := reopened.Begin()
	if err != nil {
		fmt.Println("begin err", err)
		return
	}
	val, err := tx3.Search(store, []byte("banana"))
	if err != nil {
		fmt.Println("search err", err)
		return
	}
	fmt.Printf("after restart, banana = %s\n", val)
	if err := tx3.Commit(); err != nil {
		fmt.Println("commit err", err)
		return
	}
}
