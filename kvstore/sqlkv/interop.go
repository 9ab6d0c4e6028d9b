package sqlkv

import "strconv"

type interop struct {
	blobType string
	bind     func(n int) string
}

var sqliteInterop = interop{
	blobType: "blob",
	bind:     func(_ int) string { return "?" },
}

var postgresInterop = interop{
	blobType: "bytea",
	bind:     func(n int) string { return "$" + strconv.Itoa(n) },
}
