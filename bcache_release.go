//go:build !bcache_debug

package bcache

const debugging = false
