package main

import "github.com/hanwen/go-fuse/v2/fuse"

func getMountOptions(debug bool) fuse.MountOptions {
	return fuse.MountOptions{
		Name:          "rmcl",
		FsName:        "rmcl",
		DisableXAttrs: true,
		Debug:         debug,
	}
}
