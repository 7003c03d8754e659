//go:build arm64

package linux

// aarch64 syscall numbers, from the generic 64-bit table. The legacy
// path-based calls (open, stat, access, pipe, dup2, fork, ...) were never
// assigned on this architecture; libc routes them through the *at and
// pipe2/dup3/clone variants below, and an allow-list naming a legacy call
// fails validation rather than installing a filter that cannot match.
var syscallMap = map[string]int{
	"getcwd": 17, "eventfd2": 19, "epoll_create1": 20, "epoll_ctl": 21,
	"epoll_pwait": 22, "dup": 23, "dup3": 24, "fcntl": 25, "ioctl": 29,
	"flock": 32, "mknodat": 33, "mkdirat": 34, "unlinkat": 35,
	"symlinkat": 36, "linkat": 37, "renameat": 38, "umount2": 39,
	"mount": 40, "truncate": 45, "ftruncate": 46, "faccessat": 48,
	"chdir": 49, "fchdir": 50, "chroot": 51, "fchmod": 52,
	"fchmodat": 53, "fchownat": 54, "fchown": 55, "openat": 56,
	"close": 57, "pipe2": 59, "getdents64": 61, "lseek": 62,
	"read": 63, "write": 64, "readv": 65, "writev": 66,
	"pread64": 67, "pwrite64": 68, "preadv": 69, "pwritev": 70,
	"pselect6": 72, "ppoll": 73, "readlinkat": 78, "newfstatat": 79,
	"fstat": 80, "sync": 81, "fsync": 82, "fdatasync": 83,
	"exit": 93, "exit_group": 94, "set_tid_address": 96, "futex": 98,
	"set_robust_list": 99, "get_robust_list": 100, "nanosleep": 101,
	"getitimer": 102, "setitimer": 103, "clock_gettime": 113,
	"clock_getres": 114, "clock_nanosleep": 115, "sched_getaffinity": 123,
	"sched_yield": 124, "restart_syscall": 128, "kill": 129, "tgkill": 131,
	"sigaltstack": 132, "rt_sigsuspend": 133, "rt_sigaction": 134,
	"rt_sigprocmask": 135, "rt_sigpending": 136, "rt_sigtimedwait": 137,
	"setpgid": 154, "getpgid": 155, "getsid": 156, "setsid": 157,
	"getgroups": 158, "uname": 160, "getrlimit": 163, "setrlimit": 164,
	"getrusage": 165, "umask": 166, "gettimeofday": 169, "getpid": 172,
	"getppid": 173, "getuid": 174, "geteuid": 175, "getgid": 176,
	"getegid": 177, "gettid": 178, "sysinfo": 179, "shmget": 194,
	"shmctl": 195, "shmat": 196, "socket": 198, "socketpair": 199,
	"bind": 200, "listen": 201, "accept": 202, "connect": 203,
	"getsockname": 204, "getpeername": 205, "sendto": 206,
	"recvfrom": 207, "setsockopt": 208, "getsockopt": 209,
	"shutdown": 210, "sendmsg": 211, "recvmsg": 212, "brk": 214,
	"munmap": 215, "mremap": 216, "clone": 220, "execve": 221,
	"mmap": 222, "fadvise64": 223, "mprotect": 226, "msync": 227,
	"mincore": 232, "madvise": 233, "wait4": 260, "prlimit64": 261,
	"getrandom": 278, "memfd_create": 279, "execveat": 281,
	"statx": 291, "rseq": 293,
}
