package plugin

import (
	"github.com/bytecodealliance/wasmtime-go/v30"
)

// hostIO carries one execution's input and output across the host boundary.
type hostIO struct {
	input  []byte
	output []byte
	logFn  func(level int, msg string)
}

// defineHostFunctions exposes the transform ABI to the module:
//
//	get_input_len() -> i32
//	get_input(ptr, max_len) -> i32 (bytes copied, -1 on error)
//	output(ptr, len)
//	log(level, ptr, len)
func defineHostFunctions(linker *wasmtime.Linker, store *wasmtime.Store, io *hostIO) error {
	i32 := wasmtime.NewValType(wasmtime.KindI32)

	getInputLen := wasmtime.NewFunc(store,
		wasmtime.NewFuncType(nil, []*wasmtime.ValType{i32}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return []wasmtime.Val{wasmtime.ValI32(int32(len(io.input)))}, nil
		})
	if err := linker.Define(store, "env", "get_input_len", getInputLen); err != nil {
		return err
	}

	getInput := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32}, []*wasmtime.ValType{i32}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr, maxLen := args[0].I32(), args[1].I32()

			data := callerMemory(caller)
			if data == nil || int(ptr)+int(maxLen) > len(data) {
				return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
			}

			copyLen := len(io.input)
			if copyLen > int(maxLen) {
				copyLen = int(maxLen)
			}
			copy(data[ptr:int(ptr)+copyLen], io.input[:copyLen])
			return []wasmtime.Val{wasmtime.ValI32(int32(copyLen))}, nil
		})
	if err := linker.Define(store, "env", "get_input", getInput); err != nil {
		return err
	}

	output := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32}, nil),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr, length := args[0].I32(), args[1].I32()

			data := callerMemory(caller)
			if data == nil || int(ptr)+int(length) > len(data) {
				return nil, nil
			}

			io.output = make([]byte, length)
			copy(io.output, data[ptr:ptr+length])
			return nil, nil
		})
	if err := linker.Define(store, "env", "output", output); err != nil {
		return err
	}

	logFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32, i32}, nil),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			level, ptr, length := args[0].I32(), args[1].I32(), args[2].I32()

			data := callerMemory(caller)
			if data == nil || int(ptr)+int(length) > len(data) {
				return nil, nil
			}

			if io.logFn != nil {
				io.logFn(int(level), string(data[ptr:ptr+length]))
			}
			return nil, nil
		})
	return linker.Define(store, "env", "log", logFunc)
}

func callerMemory(caller *wasmtime.Caller) []byte {
	memory := caller.GetExport("memory")
	if memory == nil || memory.Memory() == nil {
		return nil
	}
	return memory.Memory().UnsafeData(caller)
}
