package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/nyan233/cowtree"
)

func main() {
	env, err := cowtree.Open("dbset/quick_start.db", cowtree.Config{})
	if err != nil {
		panic(err)
	}

	txn, err := env.Begin(true)
	if err != nil {
		panic(err)
	}
	tree, err := cowtree.OpenTree[uint64, string](txn, "quick_start", new(cowtree.Uint64Codec), new(cowtree.JsonTypeCodec[string]))
	if err != nil {
		panic(err)
	}
	for i := uint64(0); i < 64; i++ {
		if _, err := tree.Put(i, strconv.FormatUint(rand.Uint64(), 10)); err != nil {
			panic(fmt.Errorf("write tx err: %w", err))
		}
	}
	if err := txn.Commit(); err != nil {
		panic(fmt.Errorf("commit err: %w", err))
	}

	readTxn, err := env.Begin(false)
	if err != nil {
		panic(err)
	}
	readTree, err := cowtree.OpenTree[uint64, string](readTxn, "quick_start", new(cowtree.Uint64Codec), new(cowtree.JsonTypeCodec[string]))
	if err != nil {
		panic(err)
	}
	for i := 0; i < 64; i++ {
		k := rand.Uint64N(63)
		v, found, err := readTree.Get(k)
		if err != nil {
			panic(fmt.Errorf("read tx err: %w", err))
		}
		if !found {
			panic(fmt.Errorf("not found: %d", k))
		}
		fmt.Printf("tree.get key=%d, val=%s\n", k, v)
	}
	if err := readTxn.Commit(); err != nil {
		panic(err)
	}

	if err := env.Close(); err != nil {
		panic(fmt.Errorf("close err: %w", err))
	}
}
