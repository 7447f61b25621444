/*
包 budget 为经济主体提供每日支出上限控制，是防止超支的唯一机制。

# 核心接口

  - Governor：授权入口，单笔上限、每日上限、主体挂起、支出速率异常检测。
  - LedgerStore：按 (主体, 日期) 原子地"检查上限并累加"。
  - TransactionStore：交易记录，只插入不修改。

# 存储实现

  - MemoryLedgerStore：按键加锁，单进程使用。
  - RedisLedgerStore：Lua 脚本保证原子性，多实例共享。
  - GormLedgerStore：条件 UPDATE，依赖数据库行锁。

金额统一以美分（Amount）表示，避免浮点误差。
*/
package budget
