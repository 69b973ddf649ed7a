//go:build windows

package main

func raiseNoFileLimit() {}
