//go:build amd64

package linux

// x86_64 syscall numbers. The table covers the syscalls the bundled
// language runner configurations actually allow rather than attempting
// full libseccomp parity.
var syscallMap = map[string]int{
	"read": 0, "write": 1, "open": 2, "close": 3, "stat": 4,
	"fstat": 5, "lstat": 6, "poll": 7, "lseek": 8, "mmap": 9,
	"mprotect": 10, "munmap": 11, "brk": 12, "rt_sigaction": 13,
	"rt_sigprocmask": 14, "ioctl": 16, "pread64": 17, "pwrite64": 18,
	"readv": 19, "writev": 20, "access": 21, "pipe": 22, "select": 23,
	"sched_yield": 24, "mremap": 25, "msync": 26, "mincore": 27,
	"madvise": 28, "shmget": 29, "shmat": 30, "shmctl": 31,
	"dup": 32, "dup2": 33, "pause": 34, "nanosleep": 35,
	"getitimer": 36, "alarm": 37, "setitimer": 38, "getpid": 39,
	"socket": 41, "connect": 42, "accept": 43, "sendto": 44,
	"recvfrom": 45, "sendmsg": 46, "recvmsg": 47, "shutdown": 48,
	"bind": 49, "listen": 50, "getsockname": 51, "getpeername": 52,
	"socketpair": 53, "setsockopt": 54, "getsockopt": 55, "clone": 56,
	"fork": 57, "vfork": 58, "execve": 59, "exit": 60, "wait4": 61,
	"kill": 62, "uname": 63, "fcntl": 72, "flock": 73, "fsync": 74,
	"fdatasync": 75, "truncate": 76, "ftruncate": 77, "getdents": 78,
	"getcwd": 79, "chdir": 80, "fchdir": 81, "rename": 82, "mkdir": 83,
	"rmdir": 84, "creat": 85, "link": 86, "unlink": 87, "symlink": 88,
	"readlink": 89, "chmod": 90, "fchmod": 91, "chown": 92, "fchown": 93,
	"lchown": 94, "umask": 95, "gettimeofday": 96, "getrlimit": 97,
	"getrusage": 98, "sysinfo": 99, "times": 100, "getuid": 102,
	"getgid": 104, "geteuid": 107, "getegid": 108, "setpgid": 109,
	"getppid": 110, "getpgrp": 111, "setsid": 112, "getgroups": 115,
	"getresuid": 118, "getresgid": 120, "getpgid": 121, "getsid": 124,
	"rt_sigpending": 127, "rt_sigtimedwait": 128, "rt_sigsuspend": 130,
	"sigaltstack": 131, "arch_prctl": 158, "setrlimit": 160, "sync": 162,
	"gettid": 186, "futex": 202, "sched_getaffinity": 204,
	"epoll_create": 213, "getdents64": 217, "set_tid_address": 218,
	"restart_syscall": 219, "fadvise64": 221, "clock_gettime": 228,
	"clock_getres": 229, "clock_nanosleep": 230, "exit_group": 231,
	"epoll_wait": 232, "epoll_ctl": 233, "tgkill": 234, "openat": 257,
	"mkdirat": 258, "newfstatat": 262, "unlinkat": 263, "pselect6": 270,
	"ppoll": 271, "set_robust_list": 273, "get_robust_list": 274,
	"epoll_pwait": 281, "eventfd2": 290, "epoll_create1": 291,
	"dup3": 292, "pipe2": 293, "preadv": 295, "pwritev": 296,
	"prlimit64": 302, "getrandom": 318, "memfd_create": 319,
	"execveat": 322, "statx": 332, "rseq": 334,
}
