// The refcache server speaks the Redis protocol, so any Redis client can open files on the server and read them
// through cached handles.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       []byte   // Writes a bulk string if set.
	writeArray      []string // Writes an array of bulk strings if set.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(b []byte) redisOutput {
	if b == nil {
		b = []byte{}
	}
	return redisOutput{writeBulk: b}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgCount(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// writeTo writes the output on the given connection.
func (o redisOutput) writeTo(conn redcon.Conn) {
	switch {
	case o.err != nil:
		conn.WriteError(*o.err)
	case o.writeNil:
		conn.WriteNull()
	case o.writeInt != nil:
		conn.WriteInt(*o.writeInt)
	case o.writeBulk != nil:
		conn.WriteBulk(o.writeBulk)
	case o.writeArray != nil:
		conn.WriteArray(len(o.writeArray))
		for _, item := range o.writeArray {
			conn.WriteBulkString(item)
		}
	default:
		conn.WriteString(o.writeString)
	}
}

type redisHandler struct {
	store *FileStorage
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(store *FileStorage) (*redisHandler, error) {
	if store == nil {
		return nil, errors.New("expected a non-nil storage")
	}
	return &redisHandler{store: store}, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch command := strings.ToUpper(cmd.command); command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "OPEN": // OPEN key path [ttl_ms]
		if len(cmd.args) != 2 && len(cmd.args) != 3 {
			return wrongArgCount(command)
		}
		var ttl time.Duration
		if len(cmd.args) == 3 {
			ttlMillis, err := strconv.ParseInt(cmd.args[2], 10 /*base*/, 64 /*bitSize*/)
			if err != nil || ttlMillis <= 0 {
				return writeRedisError(errors.New("ttl is not a positive integer"))
			}
			ttl = time.Duration(ttlMillis) * time.Millisecond
		}
		if err := rh.store.Open(cmd.args[0], cmd.args[1], ttl); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "ACQUIRE":
		if len(cmd.args) != 1 {
			return wrongArgCount(command)
		}
		if err := rh.store.Acquire(cmd.args[0]); errors.Is(err, ErrFileNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "RELEASE":
		if len(cmd.args) != 1 {
			return wrongArgCount(command)
		}
		rh.store.Release(cmd.args[0])
		return writeRedisString(RedisOk)
	case "READ": // READ key offset length
		if len(cmd.args) != 3 {
			return wrongArgCount(command)
		}
		offset, err := strconv.ParseInt(cmd.args[1], 10 /*base*/, 64 /*bitSize*/)
		if err != nil || offset < 0 {
			return writeRedisError(errors.New("offset is not a non-negative integer"))
		}
		length, err := strconv.Atoi(cmd.args[2])
		if err != nil {
			return writeRedisError(errors.New("length is not an integer"))
		}
		if content, err := rh.store.ReadAt(cmd.args[0], offset, length); errors.Is(err, ErrFileNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		} else {
			return writeRedisBulk(content)
		}
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArgCount(command)
		}
		deletedCount := 0
		var closeErrs []error
		for _, key := range cmd.args {
			err := rh.store.Delete(key)
			if errors.Is(err, ErrFileNotFound) {
				continue
			}
			deletedCount++ // The key is gone even if its file failed to close.
			if err != nil {
				closeErrs = append(closeErrs, err)
			}
		}
		if err := errors.Join(closeErrs...); err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(deletedCount)
	case "FLUSHALL":
		if err := rh.store.Flush(); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "DBSIZE":
		return writeRedisInt(rh.store.Size())
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArgCount(command)
		}
		keys, err := rh.store.Keys(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// RunRedisServer starts a Redis protocol server that serves files of the given storage. The storage is closed when
// `ctx` is done.
func RunRedisServer(ctx context.Context, store *FileStorage) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(store)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := redisHandler.handle(command)
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Accepted connection.", "remote", conn.RemoteAddr())
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol.", "address", *address, "root", *rootDir)

	select {
	case <-ctx.Done():
		serverErr := redisServer.Close()
		storeErr := store.Close()
		if exitErr := errors.Join(serverErr, storeErr); exitErr != nil {
			return fmt.Errorf("failed to close refcache server: %w", exitErr)
		}
	case err, ok := <-serverErrSignal:
		if !ok {
			err = errors.New("listener exited")
		}
		storeErr := store.Close()
		return fmt.Errorf("redis server stopped unexpectedly: %w", errors.Join(err, storeErr))
	}

	return nil // Exited with no errors.
}
