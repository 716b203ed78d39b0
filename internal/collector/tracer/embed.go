package tracer

import _ "embed"

// bpfObjectBytes is the compiled CO-RE BPF ELF object built from
// bpf/tracer.bpf.c (clang -O2 -g -target bpf against a vmlinux.h
// generated by bpftool). The checked-in object lets `go build` work
// without a BPF toolchain; `make -C bpf` (via go generate) regenerates it.
//
//go:generate make -C bpf
//go:embed bpf_object.o
var bpfObjectBytes []byte
